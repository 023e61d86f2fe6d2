package api

import (
	"time"

	"github.com/dynamo-dm/dynamo/pkg/api/auth"
)

// APIConfig configures the read-only history API server.
//
// When Enabled is false, "dynamo serve" refuses to start.
type APIConfig struct {
	// Enabled controls whether the API server is started.
	// Use a pointer to distinguish "not set" from "explicitly false".
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the API endpoints.
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds the whole response, including snapshot fetches
	// from the archive on a cold cache.
	// Default: 30s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// RequestTimeout cancels the request context of a single handler.
	// Default: 25s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// Auth requires bearer tokens on history queries when a secret is set.
	Auth auth.Config `mapstructure:"auth" yaml:"auth,omitempty"`
}

// IsEnabled returns whether the API server is enabled.
// Defaults to true if not explicitly set.
func (c *APIConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *APIConfig) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 25 * time.Second
	}
	c.Auth.ApplyDefaults()
}
