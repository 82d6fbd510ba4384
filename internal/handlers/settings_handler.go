package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
	"github.com/ternarybob/scanagent/internal/services/credentials"
)

// secretMask replaces stored secrets in responses. Sending it back in a PUT
// keeps the stored value.
const secretMask = "********"

// SettingsResponse is the masked view of the agent settings
type SettingsResponse struct {
	Configured             bool            `json:"configured"`
	Mode                   models.AuthMode `json:"mode,omitempty"`
	Username               string          `json:"username,omitempty"`
	Password               string          `json:"password,omitempty"`
	CookieCount            int             `json:"cookie_count,omitempty"`
	ExpiredCookies         int             `json:"expired_cookies,omitempty"`
	TargetFolder           string          `json:"target_folder,omitempty"`
	HostURL                string          `json:"host_url,omitempty"`
	AutoLaunch             bool            `json:"auto_launch"`
	RequireSecondaryReport bool            `json:"require_secondary_report"`
	UpdatedAt              *time.Time      `json:"updated_at,omitempty"`
}

// CookieValidation is the body of POST /api/settings/cookies/validate
type CookieValidation struct {
	Cookies string `json:"cookies"`
	HostURL string `json:"host_url"`
}

// SettingsHandler serves the credential configuration surface
type SettingsHandler struct {
	creds  interfaces.CredentialStore
	logger arbor.ILogger
	now    func() time.Time
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(creds interfaces.CredentialStore, logger arbor.ILogger) *SettingsHandler {
	return &SettingsHandler{
		creds:  creds,
		logger: logger,
		now:    time.Now,
	}
}

// GetSettingsHandler handles GET /api/settings. Secrets never leave the process.
func (h *SettingsHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.masked(h.creds.Settings()))
}

// UpdateSettingsHandler handles PUT /api/settings
func (h *SettingsHandler) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}

	var settings models.AgentSettings
	if err := DecodeJSON(r, &settings); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Unchanged secrets come back masked or empty
	if current := h.creds.Settings(); current != nil && current.Mode == settings.Mode {
		if settings.Mode == models.AuthModePassword && (settings.Password == secretMask || settings.Password == "") {
			settings.Password = current.Password
		}
		if settings.Mode == models.AuthModeCookies && settings.Cookies == "" {
			settings.Cookies = current.Cookies
		}
	}
	settings.UpdatedAt = h.now().UTC()

	if err := h.creds.Update(r.Context(), settings); err != nil {
		h.logger.Warn().Err(err).Str("mode", string(settings.Mode)).Msg("Rejected settings update")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, h.masked(h.creds.Settings()))
}

// ValidateCookiesHandler handles POST /api/settings/cookies/validate. Nothing is persisted.
func (h *SettingsHandler) ValidateCookiesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CookieValidation
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	hostURL := req.HostURL
	if hostURL == "" {
		if current := h.creds.Settings(); current != nil {
			hostURL = current.HostURL
		}
	}

	entries, err := credentials.ValidateCookieJarText(req.Cookies, credentials.HostDomain(hostURL))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"count":   len(entries),
		"expired": credentials.ExpiredCount(entries, h.now()),
		"names":   names,
	})
}

func (h *SettingsHandler) masked(s *models.AgentSettings) SettingsResponse {
	if s == nil {
		return SettingsResponse{}
	}

	resp := SettingsResponse{
		Configured:             h.creds.GetActive() != nil,
		Mode:                   s.Mode,
		Username:               s.Username,
		TargetFolder:           s.TargetFolder,
		HostURL:                s.HostURL,
		AutoLaunch:             s.AutoLaunch,
		RequireSecondaryReport: s.RequireSecondaryReport,
	}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		resp.UpdatedAt = &updated
	}
	if s.Password != "" {
		resp.Password = secretMask
	}
	if active := h.creds.GetActive(); active != nil && active.Mode == models.AuthModeCookies {
		resp.CookieCount = len(active.Cookies)
		resp.ExpiredCookies = credentials.ExpiredCount(active.Cookies, h.now())
	}
	return resp
}
