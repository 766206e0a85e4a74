// Package catalog holds the workflow template registry and the router
// that selects a template for an incoming request.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/engineersedge/orchestrator/config"
	"github.com/engineersedge/orchestrator/orchestration"
)

// Well-known template names.
const (
	TemplateResumeBuild         = "resume-build"
	TemplateExpertResearch      = "expert-research"
	TemplateConversationContext = "conversation-context"
	TemplateSingleWorker        = "single-worker"
)

// Step defaults applied when a template omits them.
const (
	defaultTimeoutMs   = 30_000
	defaultMaxAttempts = 3
	defaultBackoffMs   = 1_000
)

// Template is a named step graph selectable by the router.
type Template struct {
	Name  string                    `yaml:"name"`
	Steps []orchestration.StepSpec  `yaml:"steps"`
	// ResultField optionally names a derived top-level result field
	// filled with the output of the final step.
	ResultField string `yaml:"result_field"`
	// EstimatedDuration is reported to callers on admission.
	EstimatedDuration config.Duration `yaml:"estimated_duration"`
}

// Catalog is the template registry. A reload merges its templates under
// the write lock, so readers see either the previous or the reloaded set.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    *slog.Logger
}

// New creates a catalog seeded with the built-in templates.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		templates: make(map[string]*Template),
		logger:    logger,
	}
	for _, tpl := range builtinTemplates() {
		c.templates[tpl.Name] = tpl
	}
	return c
}

// Get returns the template by name, or ErrUnknownWorkflow.
func (c *Catalog) Get(name string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestration.ErrUnknownWorkflow, name)
	}
	return tpl, nil
}

// Names returns the registered template names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	return names
}

// WorkerTypes returns every worker type referenced by any template.
// The correlator subscribes to the response subject of each.
func (c *Catalog) WorkerTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var types []string
	for _, tpl := range c.templates {
		for _, step := range tpl.Steps {
			if step.WorkerType == "" || seen[step.WorkerType] {
				continue
			}
			seen[step.WorkerType] = true
			types = append(types, step.WorkerType)
		}
	}
	return types
}

// catalogFile is the YAML shape of an external template catalog.
type catalogFile struct {
	Templates []*Template `yaml:"templates"`
}

// LoadFile merges templates from a YAML file over the built-ins. The
// whole file is validated before any of it takes effect.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog file: %w", err)
	}

	incoming := make(map[string]*Template, len(file.Templates))
	for _, tpl := range file.Templates {
		if tpl.Name == "" {
			return fmt.Errorf("%w: template without a name", orchestration.ErrInvalidWorkflow)
		}
		applyStepDefaults(tpl)
		if tpl.Name != TemplateSingleWorker {
			if err := ValidateSteps(tpl.Steps); err != nil {
				return fmt.Errorf("template %s: %w", tpl.Name, err)
			}
		}
		incoming[tpl.Name] = tpl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, tpl := range incoming {
		c.templates[name] = tpl
	}
	c.logger.Info("Loaded workflow catalog",
		"path", path,
		"templates", len(incoming))
	return nil
}

// Instantiate binds a template to a request, resolving the
// single-worker passthrough from the payload and producing the initial
// step state map.
func (c *Catalog) Instantiate(tpl *Template, requestID string, payload orchestration.Payload, now time.Time) (*orchestration.Workflow, error) {
	steps := make([]orchestration.StepSpec, len(tpl.Steps))
	copy(steps, tpl.Steps)

	if tpl.Name == TemplateSingleWorker {
		workerType, _ := payload["workerType"].(string)
		if workerType == "" {
			return nil, fmt.Errorf("%w: single-worker requires a workerType payload field", orchestration.ErrInvalidWorkflow)
		}
		for i := range steps {
			steps[i].WorkerType = workerType
		}
	}

	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	w := &orchestration.Workflow{
		ID:           orchestration.NewID(),
		RequestID:    requestID,
		TemplateName: tpl.Name,
		Steps:        steps,
		State:        make(map[int]*orchestration.StepState, len(steps)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, step := range steps {
		w.State[step.StepNumber] = &orchestration.StepState{Status: orchestration.StepPending}
	}
	return w, nil
}

// ValidateSteps rejects empty graphs, duplicate step numbers, unknown
// dependencies and cycles. Cycle detection is Kahn's algorithm.
func ValidateSteps(steps []orchestration.StepSpec) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", orchestration.ErrInvalidWorkflow)
	}

	inDegree := make(map[int]int, len(steps))
	dependents := make(map[int][]int)
	for _, step := range steps {
		if step.WorkerType == "" {
			return fmt.Errorf("%w: step %d has no worker type", orchestration.ErrInvalidWorkflow, step.StepNumber)
		}
		if _, dup := inDegree[step.StepNumber]; dup {
			return fmt.Errorf("%w: duplicate step number %d", orchestration.ErrInvalidWorkflow, step.StepNumber)
		}
		inDegree[step.StepNumber] = 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, exists := inDegree[dep]; !exists {
				return fmt.Errorf("%w: step %d depends on unknown step %d", orchestration.ErrInvalidWorkflow, step.StepNumber, dep)
			}
			inDegree[step.StepNumber]++
			dependents[dep] = append(dependents[dep], step.StepNumber)
		}
	}

	var queue []int
	for n, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, n)
		}
	}
	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(steps) {
		return fmt.Errorf("%w: circular dependency, %d steps could not be ordered",
			orchestration.ErrInvalidWorkflow, len(steps)-processed)
	}
	return nil
}

func applyStepDefaults(tpl *Template) {
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		if step.TimeoutMs == 0 {
			step.TimeoutMs = defaultTimeoutMs
		}
		if step.RetryPolicy.MaxAttempts == 0 {
			step.RetryPolicy.MaxAttempts = defaultMaxAttempts
		}
		if step.RetryPolicy.BackoffMs == 0 {
			step.RetryPolicy.BackoffMs = defaultBackoffMs
		}
	}
}

func builtinTemplates() []*Template {
	defaultRetry := orchestration.RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BackoffMs:   defaultBackoffMs,
		Exponential: true,
	}

	return []*Template{
		{
			Name: TemplateResumeBuild,
			Steps: []orchestration.StepSpec{
				{StepNumber: 1, WorkerType: "resume", TimeoutMs: 30_000, RetryPolicy: defaultRetry},
				{StepNumber: 2, WorkerType: "llm", DependsOn: []int{1}, TimeoutMs: 60_000, RetryPolicy: defaultRetry},
				{StepNumber: 3, WorkerType: "resume", DependsOn: []int{2}, TimeoutMs: 30_000, RetryPolicy: defaultRetry},
			},
			ResultField:       "finalDocument",
			EstimatedDuration: config.Duration(2 * time.Minute),
		},
		{
			Name: TemplateExpertResearch,
			Steps: []orchestration.StepSpec{
				{StepNumber: 1, WorkerType: "research", Parallel: true, TimeoutMs: 120_000, RetryPolicy: defaultRetry},
				{StepNumber: 2, WorkerType: "web-search", Parallel: true, TimeoutMs: 60_000, RetryPolicy: defaultRetry},
				{StepNumber: 3, WorkerType: "llm", DependsOn: []int{1, 2}, TimeoutMs: 120_000, RetryPolicy: defaultRetry},
			},
			ResultField:       "report",
			EstimatedDuration: config.Duration(5 * time.Minute),
		},
		{
			Name: TemplateConversationContext,
			Steps: []orchestration.StepSpec{
				{StepNumber: 1, WorkerType: "context", TimeoutMs: 15_000, RetryPolicy: defaultRetry},
				{StepNumber: 2, WorkerType: "llm", DependsOn: []int{1}, TimeoutMs: 60_000, RetryPolicy: defaultRetry},
			},
			ResultField:       "reply",
			EstimatedDuration: config.Duration(30 * time.Second),
		},
		{
			// Passthrough: the worker type comes from the payload at
			// instantiation time.
			Name: TemplateSingleWorker,
			Steps: []orchestration.StepSpec{
				{StepNumber: 1, TimeoutMs: 60_000, RetryPolicy: defaultRetry},
			},
			EstimatedDuration: config.Duration(time.Minute),
		},
	}
}
