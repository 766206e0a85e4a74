package scheduler

import (
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"
)

// Config holds configuration for the scheduler component.
type Config struct {
	// ServiceName is stamped on outbound message headers.
	ServiceName string `json:"service_name,omitempty"`

	// TickInterval drives the retry/backoff wakeup loop.
	TickInterval string `json:"tick_interval,omitempty"`

	// EventBuffer sizes the in-process assignment event channel.
	EventBuffer int `json:"event_buffer,omitempty"`

	// PendingQueueLimit bounds ready steps awaiting a worker, per
	// worker type.
	PendingQueueLimit int `json:"pending_queue_limit,omitempty"`

	// SaturationGrace is how long the backlog must stay over the limit
	// before admission is refused.
	SaturationGrace string `json:"saturation_grace,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:       "orchestrator",
		TickInterval:      "500ms",
		EventBuffer:       256,
		PendingQueueLimit: 1024,
		SaturationGrace:   "15s",
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "task-dispatch",
					Type:        "jetstream",
					Subject:     "tasks.>",
					StreamName:  "TASKS",
					Description: "Publish task assignments to worker request topics",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive")
	}
	if c.PendingQueueLimit <= 0 {
		return fmt.Errorf("pending_queue_limit must be positive")
	}
	if _, err := time.ParseDuration(c.TickInterval); err != nil {
		return fmt.Errorf("invalid tick_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.SaturationGrace); err != nil {
		return fmt.Errorf("invalid saturation_grace: %w", err)
	}
	return nil
}

// GetTickInterval parses the tick interval.
func (c *Config) GetTickInterval() time.Duration {
	d, _ := time.ParseDuration(c.TickInterval)
	return d
}

// GetSaturationGrace parses the saturation grace period.
func (c *Config) GetSaturationGrace() time.Duration {
	d, _ := time.ParseDuration(c.SaturationGrace)
	return d
}
