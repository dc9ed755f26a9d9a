package hook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prloom/prloom/internal/bus"
)

// Runtime holds the configured plugins for one dispatcher instance and
// invokes them at lifecycle points in registration order.
type Runtime struct {
	bus     *bus.Manager
	plugins map[Point][]Plugin
	logger  *slog.Logger
}

// New constructs a Runtime over the given configured plugins.
func New(busManager *bus.Manager, plugins []Plugin, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	byPoint := map[Point][]Plugin{}
	for _, p := range plugins {
		for _, pt := range p.Points() {
			byPoint[pt] = append(byPoint[pt], p)
		}
	}
	return &Runtime{bus: busManager, plugins: byPoint, logger: logger}
}

// Fire invokes every plugin registered for point, in order, stopping
// early at the first plugin that marks the event handled or asks for a
// deferral. eventID, if non-empty, is then recorded in dispatcher state:
// as processed when handled, or in DeferredEventIDs with DeferredUntil
// set to now plus DeferForMs when deferred (spec.md §4.6).
func (r *Runtime) Fire(ctx context.Context, point Point, hc *Context, eventID string) (Decision, error) {
	hc.Point = point
	for _, p := range r.plugins[point] {
		decision, err := p.Handle(hc)
		if err != nil {
			return Decision{}, fmt.Errorf("hook: plugin %s at %s: %w", p.Name(), point, err)
		}
		if decision.Handled {
			if eventID != "" {
				if err := r.persistHandled(eventID); err != nil {
					return decision, err
				}
			}
			return decision, nil
		}
		if decision.Defer {
			if eventID != "" {
				if err := r.persistDeferral(eventID, decision); err != nil {
					return decision, err
				}
			}
			return decision, nil
		}
	}
	return Decision{}, nil
}

func (r *Runtime) persistDeferral(eventID string, d Decision) error {
	st, err := r.bus.LoadDispatcherState()
	if err != nil {
		return fmt.Errorf("hook: load dispatcher state: %w", err)
	}
	st.DeferredEventIDs[eventID] = bus.DeferredEvent{
		Reason:        d.DeferReason,
		DeferredUntil: time.Now().UnixMilli() + d.DeferForMs,
	}
	return r.bus.SaveDispatcherState(st)
}

// persistHandled records eventID in dispatcher.json's processedEventIds,
// the same ledger ordinary event dedup uses (spec.md §8 scenario S4:
// "the handled id is added to processedEventIds in dispatcher.json").
func (r *Runtime) persistHandled(eventID string) error {
	st, err := r.bus.LoadDispatcherState()
	if err != nil {
		return fmt.Errorf("hook: load dispatcher state: %w", err)
	}
	seen := bus.NewProcessedSet(st.ProcessedEventIDs)
	seen.Add(eventID)
	st.ProcessedEventIDs = seen.IDs()
	return r.bus.SaveDispatcherState(st)
}
