package credentials

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/scanagent/internal/models"
)

// ParseError is returned when no cookie entries can be extracted from any supported encoding
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "cookie parse error: " + e.Reason
}

// jsonCookie mirrors the browser-extension export shape
type jsonCookie struct {
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	Domain         string   `json:"domain"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	HTTPOnly       bool     `json:"httpOnly"`
	ExpirationDate *float64 `json:"expirationDate"`
}

const netscapeHTTPOnlyPrefix = "#HttpOnly_"

// ValidateCookieJarText extracts cookies from a JSON array, a Netscape
// cookies.txt export, or name=value lines, in that order of preference.
// Entries without a domain take defaultDomain.
func ValidateCookieJarText(raw string, defaultDomain string) ([]models.CookieEntry, error) {
	text := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	if text == "" {
		return nil, &ParseError{Reason: "cookie text is empty"}
	}

	defaultDomain = NormalizeDomain(defaultDomain)

	var reasons []string

	if strings.HasPrefix(text, "[") || strings.HasPrefix(text, "{") {
		entries, err := parseJSONCookies(text)
		if err == nil && len(entries) > 0 {
			return withDefaults(entries, defaultDomain), nil
		}
		if err != nil {
			reasons = append(reasons, "json: "+err.Error())
		} else {
			reasons = append(reasons, "json: no named cookies")
		}
	}

	if entries := parseNetscapeCookies(text); len(entries) > 0 {
		return withDefaults(entries, defaultDomain), nil
	}

	if entries := parseNameValueLines(text); len(entries) > 0 {
		return withDefaults(entries, defaultDomain), nil
	}

	reasons = append(reasons, "no netscape or name=value entries found")
	return nil, &ParseError{Reason: strings.Join(reasons, "; ")}
}

// ExpiredCount counts entries whose expiry is strictly before now
func ExpiredCount(entries []models.CookieEntry, now time.Time) int {
	count := 0
	for _, e := range entries {
		if e.Expired(now) {
			count++
		}
	}
	return count
}

// NormalizeDomain lower-cases a cookie domain and strips the leading dot
func NormalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// HostDomain returns the normalized host of a URL, or "" when it cannot be parsed
func HostDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return NormalizeDomain(u.Hostname())
}

func parseJSONCookies(text string) ([]models.CookieEntry, error) {
	var items []jsonCookie
	if strings.HasPrefix(text, "{") {
		// Some exporters wrap the array: {"cookies": [...]}
		var wrapper struct {
			Cookies []jsonCookie `json:"cookies"`
		}
		if err := json.Unmarshal([]byte(text), &wrapper); err != nil {
			return nil, err
		}
		items = wrapper.Cookies
	} else if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, err
	}

	entries := make([]models.CookieEntry, 0, len(items))
	for _, c := range items {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		entry := models.CookieEntry{
			Name:     name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.ExpirationDate != nil && *c.ExpirationDate > 0 {
			sec := int64(*c.ExpirationDate)
			nsec := int64((*c.ExpirationDate - float64(sec)) * 1e9)
			expires := time.Unix(sec, nsec).UTC()
			entry.ExpiresAt = &expires
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseNetscapeCookies(text string) []models.CookieEntry {
	var entries []models.CookieEntry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		httpOnly := false
		if strings.HasPrefix(line, netscapeHTTPOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, netscapeHTTPOnlyPrefix)
		} else if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		name := strings.TrimSpace(fields[5])
		if name == "" {
			continue
		}

		entry := models.CookieEntry{
			Name:     name,
			Value:    strings.Join(fields[6:], "\t"),
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(strings.TrimSpace(fields[3]), "TRUE"),
			HTTPOnly: httpOnly,
		}
		if expiry, err := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64); err == nil && expiry > 0 {
			expires := time.Unix(expiry, 0).UTC()
			entry.ExpiresAt = &expires
		}
		entries = append(entries, entry)
	}
	return entries
}

func parseNameValueLines(text string) []models.CookieEntry {
	var entries []models.CookieEntry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Tolerate a pasted Cookie header: "a=1; b=2"
		for _, part := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			name = strings.TrimSpace(name)
			if !ok || name == "" || strings.ContainsAny(name, " \t") {
				continue
			}
			entries = append(entries, models.CookieEntry{
				Name:  name,
				Value: strings.TrimSpace(value),
			})
		}
	}
	return entries
}

func withDefaults(entries []models.CookieEntry, defaultDomain string) []models.CookieEntry {
	for i := range entries {
		entries[i].Domain = NormalizeDomain(entries[i].Domain)
		if entries[i].Domain == "" {
			entries[i].Domain = defaultDomain
		}
		if entries[i].Path == "" {
			entries[i].Path = "/"
		}
	}
	return entries
}

// describeEntries summarises cookies for logs without leaking values
func describeEntries(entries []models.CookieEntry) string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, fmt.Sprintf("%s@%s", e.Name, e.Domain))
	}
	return strings.Join(names, ",")
}
