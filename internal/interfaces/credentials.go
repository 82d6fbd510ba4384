package interfaces

import (
	"context"

	"github.com/ternarybob/scanagent/internal/models"
)

// CredentialStore holds the active authentication material and host settings
type CredentialStore interface {
	// GetActive returns nil when nothing usable is configured
	GetActive() *models.CredentialSet

	// Settings returns a copy of the current settings, or nil
	Settings() *models.AgentSettings

	// Generation changes whenever the mode or credential material changes
	Generation() uint64

	// Snapshot returns settings, active credentials and generation from the
	// same update
	Snapshot() models.CredentialSnapshot

	// Update validates and persists new settings
	Update(ctx context.Context, settings models.AgentSettings) error
}
