// Package scheduler advances workflows: it computes ready steps,
// dispatches assignments to workers over the bus, arms deadline timers,
// applies retry policy and drives requests to their terminal state. It
// is the sole writer of workflow step state.
package scheduler

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

// schedulerSchema defines the configuration schema.
var schedulerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Bus is the slice of the bus port the scheduler dispatches through.
type Bus interface {
	Publish(ctx context.Context, subject string, body any, headers orchestration.Headers) error
	Connected() bool
}

// WorkerSelector picks a worker instance for a worker type.
type WorkerSelector interface {
	Select(workerType string) *orchestration.WorkerInstance
}

// Component implements the scheduler processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	store     storage.Store
	workers   WorkerSelector
	templates *catalog.Catalog
	bus       Bus
	collector *metrics.Collector

	// events carries correlator results and timeout firings; the
	// scheduler is their only consumer, which keeps step state
	// single-writer.
	events chan orchestration.AssignmentEvent

	// locks serializes all scheduling per workflow id.
	locks sync.Map // workflowID -> *sync.Mutex

	// active tracks non-terminal workflows for the tick loop.
	activeMu sync.Mutex
	active   map[string]string // workflowID -> requestID

	// timers holds one deadline timer per live assignment.
	timersMu sync.Mutex
	timers   map[string]*time.Timer // assignmentID -> timer

	// saturation state derived from the per-type dispatch backlog.
	satMu          sync.Mutex
	saturatedSince time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	dispatched   atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	timedOut     atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// NewComponent creates a new scheduler component.
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
	if config.TickInterval == "" {
		config.TickInterval = defaults.TickInterval
	}
	if config.EventBuffer == 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.PendingQueueLimit == 0 {
		config.PendingQueueLimit = defaults.PendingQueueLimit
	}
	if config.SaturationGrace == "" {
		config.SaturationGrace = defaults.SaturationGrace
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:      "scheduler",
		config:    config,
		logger:    deps.GetLogger(),
		templates: catalog.New(deps.GetLogger()),
		collector: metrics.NewCollector(config.ServiceName),
		events:    make(chan orchestration.AssignmentEvent, config.EventBuffer),
		active:    make(map[string]string),
		timers:    make(map[string]*time.Timer),
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

// SetWorkers wires the worker registry. Required before Start.
func (c *Component) SetWorkers(w WorkerSelector) {
	if w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = w
}

// SetBus wires the bus port. Required before Start.
func (c *Component) SetBus(b Bus) {
	if b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = b
}

// SetCatalog replaces the template catalog (shared with the router).
func (c *Component) SetCatalog(t *catalog.Catalog) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = t
}

// SetCollector replaces the metrics collector (shared with the API).
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
	if c.workers == nil {
		return fmt.Errorf("worker registry is required")
	}
	if c.bus == nil {
		return fmt.Errorf("bus is required")
	}
	c.logger.Debug("Initialized scheduler",
		"tick_interval", c.config.TickInterval,
		"pending_queue_limit", c.config.PendingQueueLimit)
	return nil
}

// Start begins the event and tick loops.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.eventLoop(runCtx)
	go c.tickLoop(runCtx)

	c.logger.Info("Scheduler started",
		"tick_interval", c.config.TickInterval)
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

	c.timersMu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.timersMu.Unlock()

	c.logger.Info("Scheduler stopped",
		"dispatched", c.dispatched.Load(),
		"succeeded", c.succeeded.Load(),
		"failed", c.failed.Load(),
		"timed_out", c.timedOut.Load())
	return nil
}

// Submit enqueues an assignment event for the scheduler to consume.
// This is the correlator's only interface to the scheduler.
func (c *Component) Submit(ev orchestration.AssignmentEvent) {
	c.events <- ev
}

// StartWorkflow registers a freshly admitted workflow and performs its
// first advance.
func (c *Component) StartWorkflow(ctx context.Context, requestID, workflowID string) {
	c.activeMu.Lock()
	c.active[workflowID] = requestID
	c.activeMu.Unlock()
	c.advance(ctx, workflowID)
}

// Saturated reports whether the dispatch backlog has exceeded its bound
// for longer than the grace period. The API refuses new admissions with
// 503 while this holds.
func (c *Component) Saturated() bool {
	c.satMu.Lock()
	defer c.satMu.Unlock()
	if c.saturatedSince.IsZero() {
		return false
	}
	return time.Since(c.saturatedSince) > c.config.GetSaturationGrace()
}

func (c *Component) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Component) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.GetTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick re-advances every active workflow (retry backoff expiry, workers
// becoming available, bus reconnects) and refreshes saturation state.
func (c *Component) tick(ctx context.Context) {
	c.activeMu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.activeMu.Unlock()

	backlog := make(map[string]int)
	for _, id := range ids {
		for workerType, n := range c.advance(ctx, id) {
			backlog[workerType] += n
		}
	}

	over := false
	for workerType, n := range backlog {
		c.collector.SetPendingDispatches(workerType, n)
		if n > c.config.PendingQueueLimit {
			over = true
		}
	}

	c.satMu.Lock()
	switch {
	case over && c.saturatedSince.IsZero():
		c.saturatedSince = time.Now()
	case !over:
		c.saturatedSince = time.Time{}
	}
	c.satMu.Unlock()
}

func (c *Component) lockFor(workflowID string) *sync.Mutex {
	lock, _ := c.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (c *Component) deactivate(workflowID string) {
	c.activeMu.Lock()
	delete(c.active, workflowID)
	c.activeMu.Unlock()
}

func (c *Component) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "scheduler",
		Type:        "processor",
		Description: "Advances workflows: ready-set computation, dispatch, timeout and retry",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return nil
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "task-dispatch",
			Direction:   component.DirectionOutput,
			Description: "Publish task assignments to worker request topics",
			Config: component.JetStreamPort{
				StreamName: "TASKS",
				Subjects:   []string{orchestration.TaskSubjectPrefix + ">"},
			},
		},
	}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return schedulerSchema
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
