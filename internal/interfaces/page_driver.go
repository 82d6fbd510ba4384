package interfaces

import (
	"context"

	"github.com/ternarybob/scanagent/internal/models"
)

// PageDriver is the interaction surface with the external host system.
// Every call is bounded by the deadline of the supplied context.
type PageDriver interface {
	// Navigate loads the url in the driver's tab
	Navigate(ctx context.Context, url string) error

	// InjectCookies installs the cookies for the host before navigation
	InjectCookies(ctx context.Context, hostURL string, cookies []models.CookieEntry) error

	DetectPageKind(ctx context.Context) (models.PageKind, error)
	SubmitLogin(ctx context.Context, creds models.PasswordCredentials) error
	ClickLaunch(ctx context.Context) error
	NavigateToFolder(ctx context.Context, name string) error
	IsAlreadyUploaded(ctx context.Context, displayName string) (bool, error)
	AttachAndSubmit(ctx context.Context, filePath, title string) error
	FindResultRow(ctx context.Context, displayName string) (models.ResultRow, error)

	// Refresh reloads the current page
	Refresh(ctx context.Context) error

	OpenResultViewer(ctx context.Context, displayName string) error
	DownloadArtifact(ctx context.Context, kind models.ArtifactKind) (models.Artifact, error)

	// Close releases the driver's resources. Safe to call more than once.
	Close() error
}

// PageDriverFactory opens one driver per automation session
type PageDriverFactory interface {
	NewDriver(ctx context.Context) (PageDriver, error)
}
