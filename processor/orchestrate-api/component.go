// Package orchestrateapi exposes the HTTP admission surface: accepting
// requests idempotently and answering status queries. Only admission
// errors reach this layer; everything downstream is a state of the step
// machine.
package orchestrateapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/engineersedge/orchestrator/catalog"
	"github.com/engineersedge/orchestrator/metrics"
	"github.com/engineersedge/orchestrator/orchestration"
	"github.com/engineersedge/orchestrator/storage"
)

// apiSchema defines the configuration schema.
var apiSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Scheduler is the slice of the scheduler the API depends on.
type Scheduler interface {
	StartWorkflow(ctx context.Context, requestID, workflowID string)
	Cancel(ctx context.Context, requestID string) (*orchestration.Request, error)
	Saturated() bool
}

// Component implements the orchestrate-api processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	store     storage.Store
	router    *catalog.Router
	templates *catalog.Catalog
	scheduler Scheduler
	collector *metrics.Collector

	// runCtx detaches workflow kicks from the request lifetime.
	runCtx context.Context

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	admitted     atomic.Int64
	rejected     atomic.Int64
	lastActivity atomic.Int64
}

// NewComponent creates a new orchestrate-api component.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}
	if config.StatusPathPrefix == "" {
		config.StatusPathPrefix = defaults.StatusPathPrefix
	}
	if config.ListLimit == 0 {
		config.ListLimit = defaults.ListLimit
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	templates := catalog.New(deps.GetLogger())
	return &Component{
		name:      "orchestrate-api",
		config:    config,
		logger:    deps.GetLogger(),
		templates: templates,
		router:    catalog.NewRouter(templates),
		collector: metrics.NewCollector(config.ServiceName),
	}, nil
}

// SetStore wires the request store. Required before Start.
func (c *Component) SetStore(s storage.Store) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = s
}

// SetScheduler wires the scheduler. Required before Start.
func (c *Component) SetScheduler(s Scheduler) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// SetCatalog replaces the template catalog (shared with the scheduler).
func (c *Component) SetCatalog(t *catalog.Catalog) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = t
	c.router = catalog.NewRouter(t)
}

// SetCollector replaces the metrics collector.
func (c *Component) SetCollector(m *metrics.Collector) {
	if m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collector = m
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	if c.store == nil {
		return fmt.Errorf("store is required")
	}
	if c.scheduler == nil {
		return fmt.Errorf("scheduler is required")
	}
	return nil
}

// Start marks the component running; handler registration is done by
// the host via RegisterHTTPHandlers.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.logger.Info("Orchestrate API stopped",
		"admitted", c.admitted.Load(),
		"rejected", c.rejected.Load())
	return nil
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "orchestrate-api",
		Type:        "processor",
		Description: "HTTP admission and status surface for orchestration requests",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return nil
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return nil
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return apiSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "stopped"
	if c.running {
		status = "running"
	}
	return component.HealthStatus{
		Healthy:   c.running,
		LastCheck: time.Now(),
		Uptime:    time.Since(c.startTime),
		Status:    status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}
