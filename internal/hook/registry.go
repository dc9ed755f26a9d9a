package hook

import (
	"encoding/json"
	"fmt"
)

func remarshal(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("hook: remarshal state: %w", err)
	}
	return json.Unmarshal(data, dst)
}

// Plugin is one named lifecycle participant. Handle is called once per
// matching Point invocation; it returns whether the plan should be
// deferred (and if so, for how long/why) rather than advanced this tick
// (spec.md §4.6 deferred-event persistence tie-in).
type Plugin interface {
	Name() string
	Points() []Point
	Handle(hc *Context) (Decision, error)
}

// Decision is what a plugin's Handle call asks the runtime to do next.
type Decision struct {
	Defer       bool
	DeferReason string
	DeferForMs  int64

	// Handled marks the onEvent invocation's event as fully consumed by
	// the plugin: the runtime records it processed and the dispatcher
	// drops it before triage (spec.md §4.6, §8 scenario S4).
	Handled bool
	// EventID identifies which event Handled/Defer applies to, mirroring
	// the eventID Runtime.Fire was called with.
	EventID string
}

// Factory constructs a Plugin from its resolved config payload.
type Factory func(name string, config map[string]any) (Plugin, error)

var registry = map[string]Factory{}

// Register adds a plugin factory under kind to the compile-time
// registry, intended to be called from package init.
func Register(kind string, factory Factory) {
	registry[kind] = factory
}

// Build looks up kind in the registry and constructs a Plugin.
func Build(kind, name string, config map[string]any) (Plugin, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return factory(name, config)
}

// UnknownKindError is returned by Build for a kind with no registered factory.
type UnknownKindError struct{ Kind string }

func (e *UnknownKindError) Error() string { return "hook: unknown kind " + e.Kind }
