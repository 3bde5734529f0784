package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultRetries is the attempt budget for registrations that leave Retries
// unset.
const DefaultRetries = 3

// ErrInvalidRegistration is returned for registrations that cannot be stored.
var ErrInvalidRegistration = errors.New("webhook: invalid registration")

// Registration is one subscriber endpoint. An empty ToolName subscribes to
// every tool. (URL, ToolName) identifies the registration.
type Registration struct {
	URL       string    `json:"url"`
	ToolName  string    `json:"tool_name,omitempty"`
	Secret    string    `json:"-"`
	Retries   int       `json:"retries"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Global reports whether the registration matches every tool.
func (r Registration) Global() bool {
	return r.ToolName == ""
}

// Signed reports whether deliveries carry a signature header.
func (r Registration) Signed() bool {
	return r.Secret != ""
}

// Matches reports whether the registration receives events for toolName.
func (r Registration) Matches(toolName string) bool {
	return r.Global() || r.ToolName == toolName
}

// Key returns the identity of the registration.
func (r Registration) Key() Key {
	return Key{URL: r.URL, ToolName: r.ToolName}
}

// Key identifies a registration.
type Key struct {
	URL      string
	ToolName string
}

// normalize trims fields, applies the retry default and validates.
func (r Registration) normalize() (Registration, error) {
	r.URL = strings.TrimSpace(r.URL)
	r.ToolName = strings.TrimSpace(r.ToolName)
	if r.URL == "" {
		return Registration{}, fmt.Errorf("%w: url is required", ErrInvalidRegistration)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Registration{}, fmt.Errorf("%w: url %q must be an absolute http(s) url", ErrInvalidRegistration, r.URL)
	}
	switch {
	case r.Retries < 0:
		return Registration{}, fmt.Errorf("%w: retries must be positive, got %d", ErrInvalidRegistration, r.Retries)
	case r.Retries == 0:
		r.Retries = DefaultRetries
	}
	return r, nil
}
