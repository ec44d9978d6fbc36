package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Settings is the process configuration read from the environment.
type Settings struct {
	// Service principal used for the client credentials exchange.
	TenantID     string `env:"TENANT_ID"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`

	// AccessToken, when set, is used as-is instead of the exchange.
	AccessToken string `env:"FABRIC_ACCESS_TOKEN"`

	// CapacityID is the fallback capacity for workspaces.
	CapacityID string `env:"CAPACITY_ID"`

	APIBaseURL   string `env:"FABRIC_API_BASE_URL" envDefault:"https://api.fabric.microsoft.com/v1"`
	AuthorityURL string `env:"FABRIC_AUTHORITY_URL" envDefault:"https://login.microsoftonline.com"`
	Scope        string `env:"FABRIC_SCOPE" envDefault:"https://api.fabric.microsoft.com/.default"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// LoadSettings reads settings from the process environment.
func LoadSettings() (*Settings, error) {
	return parseSettings(env.Options{})
}

// LoadSettingsFrom reads settings from the given variables only.
func LoadSettingsFrom(vars map[string]string) (*Settings, error) {
	return parseSettings(env.Options{Environment: vars})
}

func parseSettings(opts env.Options) (*Settings, error) {
	s := &Settings{}
	if err := env.ParseWithOptions(s, opts); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Validate checks values that do not depend on the command being run.
func (s *Settings) Validate() error {
	urls := []struct{ name, raw string }{
		{"FABRIC_API_BASE_URL", s.APIBaseURL},
		{"FABRIC_AUTHORITY_URL", s.AuthorityURL},
	}
	for _, v := range urls {
		u, err := url.Parse(v.raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", v.name, v.raw)
		}
	}

	switch strings.ToLower(s.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", s.LogLevel)
	}

	switch s.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be console or json)", s.LogFormat)
	}
	return nil
}

// RequireCredentials reports the variables missing for a live run. A static
// access token satisfies the requirement on its own.
func (s *Settings) RequireCredentials() error {
	if s.AccessToken != "" {
		return nil
	}
	var missing []string
	if s.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}
	if s.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if s.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
