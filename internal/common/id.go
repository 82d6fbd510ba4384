package common

import (
	"github.com/google/uuid"
)

// NewAgentID generates a lease owner id with the "agent_" prefix
func NewAgentID() string {
	return "agent_" + uuid.New().String()
}

// NewSessionID generates an automation session id with the "sess_" prefix
func NewSessionID() string {
	return "sess_" + uuid.New().String()
}
