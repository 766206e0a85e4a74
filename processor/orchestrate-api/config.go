package orchestrateapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// Config holds configuration for the orchestrate-api component.
type Config struct {
	// ServiceName is stamped on log records.
	ServiceName string `json:"service_name,omitempty"`

	// StatusPathPrefix builds the statusUrl returned on admission.
	StatusPathPrefix string `json:"status_path_prefix,omitempty"`

	// ListLimit bounds the per-user request listing.
	ListLimit int `json:"list_limit,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:      "orchestrator",
		StatusPathPrefix: "/orchestrate/",
		ListLimit:        50,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListLimit <= 0 {
		return fmt.Errorf("list_limit must be positive")
	}
	return nil
}
