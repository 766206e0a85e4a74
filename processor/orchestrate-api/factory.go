package orchestrateapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the orchestrate-api component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "orchestrate-api",
		Factory:     NewComponent,
		Schema:      apiSchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "orchestration",
		Description: "HTTP admission and status surface for orchestration requests",
		Version:     "0.1.0",
	})
}
