// Package bridge implements the Bridge Runtime (spec.md §4.5): a
// compile-time registry of named Bridge implementations, each polled on
// its own interval for inbound events and offered the outbound action
// backlog to deliver, grounded on internal/matrix/poller.go's per-room
// cursor polling loop generalized from one chat transport to an
// arbitrary external system.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/prloom/prloom/internal/bus"
)

// Bridge is one named external-system connector. Events returns newly
// observed inbound events (already translated into bus.Event); Actions
// is offered the outbound backlog and returns which actions it
// successfully delivered, plus any updated opaque state to persist
// verbatim (spec.md §4.5).
type Bridge interface {
	Name() string
	Events(ctx context.Context, state any) (events []bus.Event, newState any, err error)
	Actions(ctx context.Context, pending []bus.Action, state any) (delivered []string, newState any, err error)
}

// Factory constructs a Bridge from its resolved config payload. Bridges
// are looked up from a closed, compile-time registry rather than loaded
// dynamically (spec.md §9 Open Question: dynamic plugin loading is
// explicitly out of scope).
type Factory func(name string, config map[string]any) (Bridge, error)

var registry = map[string]Factory{}

// Register adds a bridge factory under kind to the compile-time
// registry. Intended to be called from package init in a bridge
// implementation's own package.
func Register(kind string, factory Factory) {
	registry[kind] = factory
}

// Build looks up kind in the registry and constructs a Bridge.
func Build(kind, name string, config map[string]any) (Bridge, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return factory(name, config)
}

// UnknownKindError is returned by Build for a kind with no registered
// factory.
type UnknownKindError struct{ Kind string }

func (e *UnknownKindError) Error() string { return "bridge: unknown kind " + e.Kind }

// Entry pairs a running Bridge with its poll cadence and bus-persisted
// state, mirroring matrix.Poller's per-room PollInterval/cursor fields
// generalized to per-bridge granularity.
type Entry struct {
	Bridge       Bridge
	PollInterval time.Duration
	Logger       *slog.Logger
}
