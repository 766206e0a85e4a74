// Package config provides configuration loading and management for the
// orchestrator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DiscoveryMode selects how worker instances are discovered.
type DiscoveryMode string

const (
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
	DiscoveryStatic     DiscoveryMode = "static"
)

// Config represents the complete orchestrator configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Bus     BusConfig     `yaml:"bus"`
	Workers WorkersConfig `yaml:"workers"`
	Catalog CatalogConfig `yaml:"catalog"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// ServiceConfig identifies this service instance.
type ServiceConfig struct {
	// Name is stamped on every outbound message and log record.
	Name string `yaml:"name"`
}

// BusConfig configures the message bus connection.
type BusConfig struct {
	// Brokers is the NATS server URL list (comma-separated in env).
	// Empty means start an embedded server.
	Brokers []string `yaml:"brokers"`
	// ClientID names the connection on the broker side.
	ClientID string `yaml:"client_id"`
	// GroupID is the consumer group (durable consumer prefix).
	GroupID string `yaml:"group_id"`
	// Embedded forces an in-process server even when brokers are set.
	Embedded bool `yaml:"embedded"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait Duration `yaml:"reconnect_wait"`
	// LegacyResponseTopics lists flat response topics still receiving
	// worker traffic. Configuration, not code.
	LegacyResponseTopics []string `yaml:"legacy_response_topics"`
}

// WorkersConfig configures discovery and health probing.
type WorkersConfig struct {
	// DiscoveryMode is "kubernetes" or "static".
	DiscoveryMode DiscoveryMode `yaml:"discovery_mode"`
	// Namespace scopes the Kubernetes service listing.
	Namespace string `yaml:"namespace"`
	// Types are the worker types known in static mode; endpoints come
	// from <TYPE>_WORKER_URL with a http://<type>:3000 fallback.
	Types []string `yaml:"types"`
	// DiscoveryInterval is the cluster re-listing period.
	DiscoveryInterval Duration `yaml:"discovery_interval"`
	// HealthCheckInterval is the probe loop period.
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	// HealthCheckTimeout bounds a single probe.
	HealthCheckTimeout Duration `yaml:"health_check_timeout"`
}

// CatalogConfig points at the workflow template catalog.
type CatalogConfig struct {
	// Path is an optional YAML file extending the built-in templates.
	Path string `yaml:"path"`
	// Watch reloads the file on change.
	Watch bool `yaml:"watch"`
}

// HTTPConfig configures the admission surface.
type HTTPConfig struct {
	// Listen is the bind address for the API and admin endpoints.
	Listen string `yaml:"listen"`
	// PendingQueueLimit bounds per-worker-type pending dispatches.
	PendingQueueLimit int `yaml:"pending_queue_limit"`
	// SaturationGrace is how long saturation must persist before new
	// admissions are refused with 503.
	SaturationGrace Duration `yaml:"saturation_grace"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "orchestrator",
		},
		Bus: BusConfig{
			Brokers:       nil, // embedded
			ClientID:      "orchestrator",
			GroupID:       "orchestrator",
			ReconnectWait: Duration(10 * time.Second),
			LegacyResponseTopics: []string{
				"llm.responses",
				"resume.bullet.evaluate.response",
			},
		},
		Workers: WorkersConfig{
			DiscoveryMode:       DiscoveryStatic,
			Namespace:           "default",
			DiscoveryInterval:   Duration(30 * time.Second),
			HealthCheckInterval: Duration(30 * time.Second),
			HealthCheckTimeout:  Duration(5 * time.Second),
		},
		Catalog: CatalogConfig{},
		HTTP: HTTPConfig{
			Listen:            ":8080",
			PendingQueueLimit: 1024,
			SaturationGrace:   Duration(15 * time.Second),
		},
	}
}

// Validate checks that the configuration is usable. Failures here are
// fatal at startup.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	switch c.Workers.DiscoveryMode {
	case DiscoveryKubernetes, DiscoveryStatic:
	default:
		return fmt.Errorf("workers.discovery_mode must be %q or %q, got %q",
			DiscoveryKubernetes, DiscoveryStatic, c.Workers.DiscoveryMode)
	}
	if c.Bus.GroupID == "" {
		return fmt.Errorf("bus.group_id is required")
	}
	if c.HTTP.PendingQueueLimit <= 0 {
		return fmt.Errorf("http.pending_queue_limit must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides config fields from the environment. Only variables
// that are set take effect.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		c.Service.Name = v
	}
	if v := os.Getenv("BUS_BROKERS"); v != "" {
		c.Bus.Brokers = splitList(v)
		c.Bus.Embedded = false
	}
	if v := os.Getenv("BUS_CLIENT_ID"); v != "" {
		c.Bus.ClientID = v
	}
	if v := os.Getenv("BUS_GROUP_ID"); v != "" {
		c.Bus.GroupID = v
	}
	if v := os.Getenv("BUS_LEGACY_RESPONSE_TOPICS"); v != "" {
		c.Bus.LegacyResponseTopics = splitList(v)
	}
	if v := os.Getenv("WORKER_DISCOVERY_MODE"); v != "" {
		c.Workers.DiscoveryMode = DiscoveryMode(v)
	}
	if v := os.Getenv("WORKER_NAMESPACE"); v != "" {
		c.Workers.Namespace = v
	}
	if v := os.Getenv("WORKER_TYPES"); v != "" {
		c.Workers.Types = splitList(v)
	}
	if d, ok := envDuration("WORKER_HEALTH_CHECK_INTERVAL"); ok {
		c.Workers.HealthCheckInterval = Duration(d)
	}
	if d, ok := envDuration("WORKER_HEALTH_CHECK_TIMEOUT"); ok {
		c.Workers.HealthCheckTimeout = Duration(d)
	}
	if v := os.Getenv("CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
}

// WorkerURL resolves the static-mode endpoint for a worker type from
// <TYPE>_WORKER_URL, defaulting to http://<type>:3000.
func WorkerURL(workerType string) string {
	envKey := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(workerType)) + "_WORKER_URL"
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fmt.Sprintf("http://%s:3000", workerType)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// envDuration parses a duration env var, accepting bare integers as
// milliseconds for compatibility with the older deployment manifests.
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}
