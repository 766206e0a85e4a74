package correlator

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// Config holds configuration for the response correlator component.
type Config struct {
	// LegacyTopics lists flat response topics still receiving worker
	// traffic, consumed alongside the canonical job.responses family.
	LegacyTopics []string `json:"legacy_topics,omitempty"`

	// WorkerTypes overrides the canonical response subjects to
	// subscribe; empty means every worker type in the catalog.
	WorkerTypes []string `json:"worker_types,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		LegacyTopics: []string{
			"llm.responses",
			"resume.bullet.evaluate.response",
		},
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "worker-responses",
					Type:        "jetstream",
					Subject:     "job.responses.>",
					StreamName:  "RESPONSES",
					Description: "Consume worker response topics",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, topic := range c.LegacyTopics {
		if topic == "" {
			return fmt.Errorf("legacy topic must not be empty")
		}
	}
	return nil
}
