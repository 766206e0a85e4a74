package catalog

import (
	"github.com/engineersedge/orchestrator/orchestration"
)

// Router picks a workflow template for an incoming request: an explicit
// name wins, otherwise deterministic pattern detection on the payload.
// All detection is key-presence logic; the payload is never interpreted
// beyond these signals.
type Router struct {
	catalog *Catalog
}

// NewRouter creates a router over the given catalog.
func NewRouter(catalog *Catalog) *Router {
	return &Router{catalog: catalog}
}

// Route resolves the template. An explicit name that the catalog does
// not know is an admission error (ErrUnknownWorkflow); detection always
// resolves, falling back to single-worker.
func (r *Router) Route(explicitName string, payload orchestration.Payload) (*Template, error) {
	if explicitName != "" {
		return r.catalog.Get(explicitName)
	}
	return r.catalog.Get(r.detect(payload))
}

func (r *Router) detect(payload orchestration.Payload) string {
	if hasKey(payload, "experiences") && hasKey(payload, "jobDescription") {
		return TemplateResumeBuild
	}
	if hasKey(payload, "researchQuery") {
		return TemplateExpertResearch
	}
	if hasKey(payload, "messageHistory") {
		return TemplateConversationContext
	}
	return TemplateSingleWorker
}

func hasKey(payload orchestration.Payload, key string) bool {
	_, ok := payload[key]
	return ok
}
