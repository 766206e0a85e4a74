package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/engineersedge/orchestrator/config"
	"github.com/engineersedge/orchestrator/orchestration"
)

// Discoverer resolves the current worker instances for one worker type.
type Discoverer interface {
	Discover(ctx context.Context, workerType string) ([]*orchestration.WorkerInstance, error)
}

// StaticDiscoverer resolves endpoints from <TYPE>_WORKER_URL with the
// http://<type>:3000 default. One instance per type.
type StaticDiscoverer struct{}

// Discover implements Discoverer.
func (StaticDiscoverer) Discover(_ context.Context, workerType string) ([]*orchestration.WorkerInstance, error) {
	return []*orchestration.WorkerInstance{{
		ID:         "static-" + workerType,
		WorkerType: workerType,
		Endpoint:   config.WorkerURL(workerType),
		Health:     orchestration.WorkerUnknown,
		Metadata:   map[string]string{"source": "static"},
	}}, nil
}

// KubernetesDiscoverer lists cluster Services labelled app=<workerType>
// and builds endpoints as http://<service-name>:<first-port>.
type KubernetesDiscoverer struct {
	Client    kubernetes.Interface
	Namespace string
}

// Discover implements Discoverer.
func (d *KubernetesDiscoverer) Discover(ctx context.Context, workerType string) ([]*orchestration.WorkerInstance, error) {
	services, err := d.Client.CoreV1().Services(d.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + workerType,
	})
	if err != nil {
		return nil, fmt.Errorf("list services for %s: %w", workerType, err)
	}

	instances := make([]*orchestration.WorkerInstance, 0, len(services.Items))
	for _, svc := range services.Items {
		if len(svc.Spec.Ports) == 0 {
			continue
		}
		instances = append(instances, &orchestration.WorkerInstance{
			ID:         string(svc.UID),
			WorkerType: workerType,
			Endpoint:   fmt.Sprintf("http://%s:%d", svc.Name, svc.Spec.Ports[0].Port),
			Health:     orchestration.WorkerUnknown,
			Metadata: map[string]string{
				"source":    "kubernetes",
				"namespace": svc.Namespace,
				"service":   svc.Name,
			},
		})
	}
	return instances, nil
}

// Discovery periodically refreshes the registry from a Discoverer for a
// fixed set of worker types.
type Discovery struct {
	registry   *Registry
	discoverer Discoverer
	types      []string
	interval   time.Duration
	logger     *slog.Logger
}

// NewDiscovery builds the refresh loop.
func NewDiscovery(registry *Registry, discoverer Discoverer, types []string, interval time.Duration, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		registry:   registry,
		discoverer: discoverer,
		types:      types,
		interval:   interval,
		logger:     logger,
	}
}

// Run refreshes immediately, then on every tick until the context is
// cancelled. A failed refresh for one type keeps that type's previous
// snapshot.
func (d *Discovery) Run(ctx context.Context) {
	d.refresh(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *Discovery) refresh(ctx context.Context) {
	for _, workerType := range d.types {
		instances, err := d.discoverer.Discover(ctx, workerType)
		if err != nil {
			d.logger.Warn("Worker discovery failed",
				"worker_type", workerType,
				"error", err)
			continue
		}
		d.registry.Replace(workerType, instances)
		d.logger.Debug("Discovered workers",
			"worker_type", workerType,
			"count", len(instances))
	}
}
