// Package dropbox implements provider.StatusChecker against the Dropbox HTTP
// API batch-check endpoints.
package dropbox

import (
	"net/http"
	"net/url"
	"strings"
)

// Config configures Dropbox status-check clients.
//
// Credentials are not part of the config: each client is built from the
// access token of the job it polls.
type Config struct {
	// BaseURL is the RPC endpoint root.
	// Defaults to https://api.dropboxapi.com. Tests point it at an httptest server.
	BaseURL string

	// ClientID is the app key of the registered Dropbox application. It is sent
	// in the User-Agent so provider-side logs can attribute traffic.
	ClientID string

	// RequestsPerSecond caps status-check calls across every client built by
	// one Factory. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Zero uses 1.
	Burst int

	// HTTPClient is the base client wrapped with the bearer-token transport.
	// Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultBaseURL is the Dropbox RPC endpoint root.
const DefaultBaseURL = "https://api.dropboxapi.com"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return &ConfigError{Field: "ClientID", Message: "client id is required"}
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Field: "BaseURL", Message: "base url must be an absolute http(s) url"}
		}
	}
	if c.RequestsPerSecond < 0 {
		return &ConfigError{Field: "RequestsPerSecond", Message: "must be >= 0"}
	}
	if c.Burst < 0 {
		return &ConfigError{Field: "Burst", Message: "must be >= 0"}
	}
	return nil
}

func (c *Config) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "dropbox config: " + e.Field + ": " + e.Message
}
