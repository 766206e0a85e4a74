package correlator

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the correlator component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "correlator",
		Factory:     NewComponent,
		Schema:      correlatorSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "orchestration",
		Description: "Maps worker responses to assignments and feeds the scheduler",
		Version:     "0.1.0",
	})
}
