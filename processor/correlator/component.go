// Package correlator consumes worker response topics, maps messages
// back to assignments and feeds the scheduler through the in-process
// event channel. It never touches workflow step state itself.
package correlator

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

	"github.com/engineersedge/orchestrator/bus"
	"github.com/engineersedge/orchestrator/metrics"
	"github.com/engineersedge/orchestrator/orchestration"
)

// correlatorSchema defines the configuration schema.
var correlatorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Subscriber is the slice of the bus port the correlator consumes
// through. Subscriptions are registered before the bus starts.
type Subscriber interface {
	Subscribe(subject string, handler bus.Handler) error
}

// Sink receives correlated assignment events; the scheduler's event
// channel sits behind it.
type Sink interface {
	Submit(ev orchestration.AssignmentEvent)
}

// WorkerTypeSource enumerates worker types for the canonical response
// family; the catalog implements it.
type WorkerTypeSource interface {
	WorkerTypes() []string
}

// Component implements the response correlator processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	subscriber Subscriber
	sink       Sink
	types      WorkerTypeSource
	collector  *metrics.Collector

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex

	// Metrics
	correlated   atomic.Int64
	dropped      atomic.Int64
	lastActivity atomic.Int64
}

// NewComponent creates a new correlator component.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.LegacyTopics == nil {
		config.LegacyTopics = defaults.LegacyTopics
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:      "correlator",
		config:    config,
		logger:    deps.GetLogger(),
		collector: metrics.NewCollector("orchestrator"),
	}, nil
}

// SetSubscriber wires the bus port. Required before Start.
func (c *Component) SetSubscriber(s Subscriber) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriber = s
}

// SetSink wires the scheduler's event channel. Required before Start.
func (c *Component) SetSink(s Sink) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

// SetWorkerTypes wires the worker-type enumeration (the catalog).
func (c *Component) SetWorkerTypes(t WorkerTypeSource) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = t
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
	if c.subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if c.sink == nil {
		return fmt.Errorf("sink is required")
	}
	return nil
}

// Start registers all response subscriptions. It must run before the
// bus starts consumption; the bus rejects late subscribes.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	subjects := c.subjects()
	for _, subject := range subjects {
		if err := c.subscriber.Subscribe(subject, c.handleResponse); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}

	c.logger.Info("Correlator subscribed",
		"subjects", len(subjects))
	return nil
}

// subjects is the union of the canonical family and the legacy list.
func (c *Component) subjects() []string {
	seen := make(map[string]bool)
	var subjects []string

	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			subjects = append(subjects, s)
		}
	}

	workerTypes := c.config.WorkerTypes
	if len(workerTypes) == 0 && c.types != nil {
		workerTypes = c.types.WorkerTypes()
	}
	for _, workerType := range workerTypes {
		add(orchestration.ResponseSubject(workerType))
	}
	for _, topic := range c.config.LegacyTopics {
		add(topic)
	}
	return subjects
}

// handleResponse processes one worker response record.
func (c *Component) handleResponse(_ context.Context, msg *bus.Message) error {
	c.lastActivity.Store(time.Now().UnixNano())

	response, err := orchestration.ParseResponse(msg.Data)
	if err != nil {
		c.drop("malformed", msg.Subject, "", err.Error())
		return nil
	}

	requestID := response.Request()
	if requestID == "" {
		requestID = msg.Headers.Get(orchestration.HeaderRequestID)
	}
	if requestID == "" {
		c.drop("missing_request_id", msg.Subject, "", "")
		return nil
	}

	assignmentID := response.Assignment()
	if assignmentID == "" {
		assignmentID = msg.Headers.Get(orchestration.HeaderAssignmentID)
	}
	if assignmentID == "" {
		c.drop("missing_assignment_id", msg.Subject, requestID, "")
		return nil
	}

	ev := orchestration.AssignmentEvent{
		RequestID:    requestID,
		AssignmentID: assignmentID,
	}
	if response.IsError() {
		ev.Error = response.ErrorMessage()
	} else {
		ev.Success = true
		ev.Output = response.Output()
	}

	c.sink.Submit(ev)
	c.correlated.Add(1)
	c.logger.Debug("Correlated response",
		"request_id", requestID,
		"assignment_id", assignmentID,
		"subject", msg.Subject,
		"success", ev.Success)
	return nil
}

func (c *Component) drop(reason, subject, requestID, detail string) {
	c.dropped.Add(1)
	c.collector.ResponseDropped(reason)
	c.logger.Warn("Dropping response",
		"reason", reason,
		"subject", subject,
		"request_id", requestID,
		"detail", detail)
}

// Stop gracefully stops the component. Bus consumption stops with the
// bus itself.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.logger.Info("Correlator stopped",
		"correlated", c.correlated.Load(),
		"dropped", c.dropped.Load())
	return nil
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "correlator",
		Type:        "processor",
		Description: "Maps worker responses to assignments and feeds the scheduler",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "worker-responses",
			Direction:   component.DirectionInput,
			Description: "Consume worker response topics",
			Config: component.JetStreamPort{
				StreamName: "RESPONSES",
				Subjects:   c.subjects(),
			},
		},
	}
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return nil
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return correlatorSchema
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
