package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthMode selects how the agent authenticates against the host system
type AuthMode string

const (
	AuthModePassword AuthMode = "password"
	AuthModeCookies  AuthMode = "cookies"
)

// PasswordCredentials is a username and secret pair submitted to the login form
type PasswordCredentials struct {
	Username string `json:"username"`
	Secret   string `json:"-"`
}

// CookieEntry is one imported session cookie
type CookieEntry struct {
	Name      string     `json:"name"`
	Value     string     `json:"value"`
	Domain    string     `json:"domain"`
	Path      string     `json:"path"`
	Secure    bool       `json:"secure"`
	HTTPOnly  bool       `json:"http_only"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the cookie carries an expiry strictly before now.
// Session cookies without an expiry never count as expired.
func (c CookieEntry) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// CredentialSet is the active authentication material. Exactly one of
// Password or Cookies is populated, matching Mode.
type CredentialSet struct {
	Mode     AuthMode             `json:"mode"`
	Password *PasswordCredentials `json:"password,omitempty"`
	Cookies  []CookieEntry        `json:"cookies,omitempty"`
}

// CredentialSnapshot is the settings, active credentials and generation
// read together under one lock
type CredentialSnapshot struct {
	Settings   *AgentSettings
	Active     *CredentialSet
	Generation uint64
}

// Usable reports whether the snapshot can drive a session
func (c CredentialSnapshot) Usable() bool {
	return c.Settings != nil && c.Active != nil
}

// AgentSettings is the persisted credential configuration surface
type AgentSettings struct {
	Mode                   AuthMode  `json:"mode" yaml:"mode" toml:"mode" validate:"required,oneof=password cookies"`
	Username               string    `json:"username" yaml:"username" toml:"username" validate:"required_if=Mode password"`
	Password               string    `json:"password" yaml:"password" toml:"password" validate:"required_if=Mode password"`
	Cookies                string    `json:"cookies" yaml:"cookies" toml:"cookies" validate:"required_if=Mode cookies"`
	TargetFolder           string    `json:"target_folder" yaml:"target_folder" toml:"target_folder" validate:"required"`
	HostURL                string    `json:"host_url" yaml:"host_url" toml:"host_url" validate:"required,url"`
	AutoLaunch             bool      `json:"auto_launch" yaml:"auto_launch" toml:"auto_launch"`
	RequireSecondaryReport bool      `json:"require_secondary_report" yaml:"require_secondary_report" toml:"require_secondary_report"`
	UpdatedAt              time.Time `json:"updated_at" yaml:"-" toml:"-"`
}

var settingsValidator = validator.New()

// Validate checks the settings shape. Cookie text content is parsed separately.
func (s *AgentSettings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid settings: %s failed %s", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}
