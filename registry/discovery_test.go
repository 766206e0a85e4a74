package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/engineersedge/orchestrator/orchestration"
)

func TestStaticDiscoverer(t *testing.T) {
	t.Setenv("LLM_WORKER_URL", "http://llm.internal:8081")

	instances, err := StaticDiscoverer{}.Discover(context.Background(), "llm")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "http://llm.internal:8081", instances[0].Endpoint)
	assert.Equal(t, orchestration.WorkerUnknown, instances[0].Health)

	instances, err = StaticDiscoverer{}.Discover(context.Background(), "resume")
	require.NoError(t, err)
	assert.Equal(t, "http://resume:3000", instances[0].Endpoint, "default endpoint shape")
}

func service(name, app string, uid string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "workers",
			UID:       types.UID(uid),
			Labels:    map[string]string{"app": app},
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: port}},
		},
	}
}

func TestKubernetesDiscoverer(t *testing.T) {
	client := fake.NewSimpleClientset(
		service("llm-1", "llm", "uid-1", 8080),
		service("llm-2", "llm", "uid-2", 9090),
		service("resume-1", "resume", "uid-3", 3000),
	)
	d := &KubernetesDiscoverer{Client: client, Namespace: "workers"}

	instances, err := d.Discover(context.Background(), "llm")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	endpoints := map[string]bool{}
	for _, in := range instances {
		endpoints[in.Endpoint] = true
		assert.Equal(t, "llm", in.WorkerType)
		assert.Equal(t, orchestration.WorkerUnknown, in.Health)
		assert.Equal(t, "kubernetes", in.Metadata["source"])
	}
	assert.True(t, endpoints["http://llm-1:8080"])
	assert.True(t, endpoints["http://llm-2:9090"])
}

func TestKubernetesDiscovererSkipsPortless(t *testing.T) {
	svc := service("llm-1", "llm", "uid-1", 8080)
	svc.Spec.Ports = nil
	d := &KubernetesDiscoverer{Client: fake.NewSimpleClientset(svc), Namespace: "workers"}

	instances, err := d.Discover(context.Background(), "llm")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestDiscoveryRefreshPopulatesRegistry(t *testing.T) {
	t.Setenv("LLM_WORKER_URL", "")
	r := New(nil)
	d := NewDiscovery(r, StaticDiscoverer{}, []string{"llm", "resume"}, 0, nil)

	d.refresh(context.Background())

	assert.Len(t, r.Lookup("llm"), 1)
	assert.Len(t, r.Lookup("resume"), 1)
}
