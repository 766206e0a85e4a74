package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/nats-io/nats-server/v2/server"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/engineersedge/orchestrator/bus"
	"github.com/engineersedge/orchestrator/catalog"
	"github.com/engineersedge/orchestrator/config"
	"github.com/engineersedge/orchestrator/metrics"
	"github.com/engineersedge/orchestrator/processor/correlator"
	orchestrateapi "github.com/engineersedge/orchestrator/processor/orchestrate-api"
	"github.com/engineersedge/orchestrator/processor/scheduler"
	"github.com/engineersedge/orchestrator/registry"
	"github.com/engineersedge/orchestrator/storage"
)

// App wires together the orchestration core: bus port, store, worker
// registry, catalog and the three processors.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	port           *bus.Bus
	store          storage.Store
	templates      *catalog.Catalog
	workers        *registry.Registry
	collector      *metrics.Collector

	sched *scheduler.Component
	corr  *correlator.Component
	api   *orchestrateapi.Component

	httpServer *http.Server
	httpAddr   string
	cancel     context.CancelFunc
}

// NewApp creates the application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components. Configuration errors are
// fatal. The bus port itself tolerates an unreachable broker, but the
// request store lives in the bus's JetStream KV, so Start fails when the
// bus cannot be reached at startup.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.startBus(runCtx); err != nil {
		return err
	}
	if err := a.startStore(runCtx); err != nil {
		return err
	}
	if err := a.startCatalog(runCtx); err != nil {
		return err
	}
	if err := a.startWorkers(runCtx); err != nil {
		return err
	}
	if err := a.startProcessors(runCtx); err != nil {
		return err
	}
	return a.startHTTP(runCtx)
}

func (a *App) startBus(ctx context.Context) error {
	url := strings.Join(a.cfg.Bus.Brokers, ",")
	if a.cfg.Bus.Embedded || url == "" {
		storeDir, err := os.MkdirTemp("", "orchestrator-jetstream-")
		if err != nil {
			return fmt.Errorf("create embedded store dir: %w", err)
		}
		ns, embeddedURL, err := bus.StartEmbedded(storeDir)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		a.embeddedServer = ns
		url = embeddedURL
		a.logger.Info("Embedded bus started", "url", url)
	}

	port, err := bus.New(ctx, bus.Options{
		URL:                  url,
		ClientID:             a.cfg.Bus.ClientID,
		GroupID:              a.cfg.Bus.GroupID,
		ReconnectWait:        a.cfg.Bus.ReconnectWait.Duration(),
		LegacyResponseTopics: a.cfg.Bus.LegacyResponseTopics,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create bus port: %w", err)
	}
	a.port = port
	return nil
}

func (a *App) startStore(ctx context.Context) error {
	js, err := a.port.JetStream()
	if err != nil {
		return fmt.Errorf("request store unavailable: %w", err)
	}
	store, err := storage.NewKV(ctx, js)
	if err != nil {
		return fmt.Errorf("initialize request store: %w", err)
	}
	a.store = store
	return nil
}

func (a *App) startCatalog(ctx context.Context) error {
	a.templates = catalog.New(a.logger)
	if a.cfg.Catalog.Path == "" {
		return nil
	}
	if err := a.templates.LoadFile(a.cfg.Catalog.Path); err != nil {
		return fmt.Errorf("load workflow catalog: %w", err)
	}
	if a.cfg.Catalog.Watch {
		if err := a.templates.Watch(ctx, a.cfg.Catalog.Path); err != nil {
			a.logger.Warn("Catalog watch disabled", "error", err)
		}
	}
	return nil
}

func (a *App) startWorkers(ctx context.Context) error {
	a.workers = registry.New(a.logger)
	a.collector = metrics.NewCollector(a.cfg.Service.Name)

	var discoverer registry.Discoverer
	switch a.cfg.Workers.DiscoveryMode {
	case config.DiscoveryKubernetes:
		clusterCfg, err := rest.InClusterConfig()
		if err != nil {
			return fmt.Errorf("kubernetes discovery requires in-cluster config: %w", err)
		}
		client, err := kubernetes.NewForConfig(clusterCfg)
		if err != nil {
			return fmt.Errorf("create kubernetes client: %w", err)
		}
		discoverer = &registry.KubernetesDiscoverer{
			Client:    client,
			Namespace: a.cfg.Workers.Namespace,
		}
	default:
		discoverer = registry.StaticDiscoverer{}
	}

	types := a.cfg.Workers.Types
	if len(types) == 0 {
		types = a.templates.WorkerTypes()
	}

	discovery := registry.NewDiscovery(a.workers, discoverer, types, a.cfg.Workers.DiscoveryInterval.Duration(), a.logger)
	go discovery.Run(ctx)

	prober := registry.NewProber(a.workers, a.cfg.Workers.HealthCheckInterval.Duration(), a.cfg.Workers.HealthCheckTimeout.Duration(), a.logger)
	go prober.Run(ctx)

	go a.workerGaugeLoop(ctx)
	return nil
}

func (a *App) workerGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.collector.SetWorkerCounts(a.workers.Counts())
		}
	}
}

func (a *App) startProcessors(ctx context.Context) error {
	deps := component.Dependencies{}

	schedCfg, err := json.Marshal(scheduler.Config{
		ServiceName:       a.cfg.Service.Name,
		PendingQueueLimit: a.cfg.HTTP.PendingQueueLimit,
		SaturationGrace:   a.cfg.HTTP.SaturationGrace.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal scheduler config: %w", err)
	}
	schedComp, err := scheduler.NewComponent(schedCfg, deps)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	a.sched = schedComp.(*scheduler.Component)
	a.sched.SetStore(a.store)
	a.sched.SetWorkers(a.workers)
	a.sched.SetBus(a.port)
	a.sched.SetCatalog(a.templates)
	a.sched.SetCollector(a.collector)
	if err := a.sched.Initialize(); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	corrCfg, err := json.Marshal(correlator.Config{
		LegacyTopics: a.cfg.Bus.LegacyResponseTopics,
	})
	if err != nil {
		return fmt.Errorf("marshal correlator config: %w", err)
	}
	corrComp, err := correlator.NewComponent(corrCfg, deps)
	if err != nil {
		return fmt.Errorf("create correlator: %w", err)
	}
	a.corr = corrComp.(*correlator.Component)
	a.corr.SetSubscriber(a.port)
	a.corr.SetSink(a.sched)
	a.corr.SetWorkerTypes(a.templates)
	a.corr.SetCollector(a.collector)
	if err := a.corr.Initialize(); err != nil {
		return fmt.Errorf("initialize correlator: %w", err)
	}
	if err := a.corr.Start(ctx); err != nil {
		return fmt.Errorf("start correlator: %w", err)
	}

	// Consumption starts eagerly once every subscription is registered.
	if err := a.port.Start(ctx); err != nil {
		return fmt.Errorf("start bus consumers: %w", err)
	}

	apiCfg, err := json.Marshal(orchestrateapi.Config{
		ServiceName: a.cfg.Service.Name,
	})
	if err != nil {
		return fmt.Errorf("marshal api config: %w", err)
	}
	apiComp, err := orchestrateapi.NewComponent(apiCfg, deps)
	if err != nil {
		return fmt.Errorf("create orchestrate-api: %w", err)
	}
	a.api = apiComp.(*orchestrateapi.Component)
	a.api.SetStore(a.store)
	a.api.SetScheduler(a.sched)
	a.api.SetCatalog(a.templates)
	a.api.SetCollector(a.collector)
	if err := a.api.Initialize(); err != nil {
		return fmt.Errorf("initialize orchestrate-api: %w", err)
	}
	if err := a.api.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrate-api: %w", err)
	}
	return nil
}

func (a *App) startHTTP(_ context.Context) error {
	mux := http.NewServeMux()
	a.api.RegisterHTTPHandlers("/orchestrate", mux)
	mux.Handle("/metrics", a.collector.Handler())
	mux.HandleFunc("/health", a.handleHealth)

	listener, err := net.Listen("tcp", a.cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.HTTP.Listen, err)
	}
	a.httpAddr = listener.Addr().String()

	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound HTTP address once Start succeeded.
func (a *App) Addr() string {
	return a.httpAddr
}

// handleHealth rolls up component health.
func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components := map[string]component.HealthStatus{
		"scheduler":       a.sched.Health(),
		"correlator":      a.corr.Health(),
		"orchestrate-api": a.api.Health(),
	}
	healthy := a.port.Connected()
	for _, h := range components {
		if !h.Healthy {
			healthy = false
		}
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        status,
		"bus_connected": a.port.Connected(),
		"components":    components,
	})
}

// Shutdown stops everything in reverse dependency order.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		_ = a.httpServer.Shutdown(ctx)
	}
	if a.api != nil {
		_ = a.api.Stop(timeout)
	}
	if a.corr != nil {
		_ = a.corr.Stop(timeout)
	}
	if a.sched != nil {
		_ = a.sched.Stop(timeout)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.port != nil {
		_ = a.port.Close(ctx)
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
	}
}
