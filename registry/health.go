package registry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/engineersedge/orchestrator/orchestration"
)

// Prober transitions instance health by probing GET <endpoint>/health.
// A 2xx response marks the instance healthy; anything else, including
// timeouts, marks it unhealthy.
type Prober struct {
	registry *Registry
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// NewProber builds the probe loop.
func NewProber(registry *Registry, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logger:   logger,
	}
}

// Run probes all known instances immediately, then on every tick until
// the context is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, inst := range p.registry.Snapshot() {
		health := p.probe(ctx, inst.Endpoint)
		p.registry.MarkHealth(inst.ID, health, time.Now())
		if health == orchestration.WorkerUnhealthy {
			p.logger.Debug("Worker probe failed",
				"worker_type", inst.WorkerType,
				"instance", inst.ID,
				"endpoint", inst.Endpoint)
		}
	}
}

func (p *Prober) probe(ctx context.Context, endpoint string) orchestration.WorkerHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return orchestration.WorkerUnhealthy
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return orchestration.WorkerUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return orchestration.WorkerHealthy
	}
	return orchestration.WorkerUnhealthy
}
