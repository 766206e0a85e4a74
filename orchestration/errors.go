package orchestration

import "errors"

// Sentinel errors for the core taxonomy. Callers match with errors.Is;
// the scheduler absorbs dispatch-class errors, only admission-class
// errors reach the HTTP layer.
var (
	// ErrNotConnected: the bus producer is offline.
	ErrNotConnected = errors.New("bus not connected")
	// ErrAlreadySubscribed: a handler is already registered for the topic.
	ErrAlreadySubscribed = errors.New("topic already subscribed")
	// ErrConsumerStarted: subscribe attempted after consumption started.
	ErrConsumerStarted = errors.New("consumer already started")

	// ErrUnknownWorkflow: explicit workflow name not in the catalog.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrInvalidWorkflow: template fails structural validation.
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrNotFound: entity id is unknown to the store.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict: conditional update lost the version race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateID: create collided with an existing entity id.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNoWorker: no instance known for the requested worker type.
	ErrNoWorker = errors.New("no worker available")
	// ErrSaturated: pending-dispatch backlog exceeded its bound.
	ErrSaturated = errors.New("dispatch queue saturated")
)
