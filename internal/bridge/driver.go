package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/prloom/prloom/internal/bus"
)

// Driver polls a set of registered bridges concurrently, each gated by
// its own rate limiter so a fast-polling bridge can never starve the
// others of their own cadence, and folds the results into the file bus
// (spec.md §4.5).
type Driver struct {
	bus     *bus.Manager
	entries map[string]*boundEntry
	logger  *slog.Logger
}

type boundEntry struct {
	entry   Entry
	limiter *rate.Limiter
}

// New constructs a Driver over the given bridge entries.
func New(busManager *bus.Manager, entries map[string]Entry, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	bound := make(map[string]*boundEntry, len(entries))
	for name, e := range entries {
		interval := e.PollInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		bound[name] = &boundEntry{
			entry:   e,
			limiter: rate.NewLimiter(rate.Every(interval), 1),
		}
	}
	return &Driver{bus: busManager, entries: bound, logger: logger}
}

// Tick polls every bridge whose rate limiter currently allows a poll,
// concurrently and bounded by errgroup, and delivers any pending
// outbound actions to each. Bridges that are not yet due this tick are
// skipped entirely (spec.md §4.5 per-bridge poll interval).
func (d *Driver) Tick(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for name, bound := range d.entries {
		name, bound := name, bound
		if !bound.limiter.Allow() {
			continue
		}
		g.Go(func() error {
			return d.pollOne(gctx, name, bound.entry)
		})
	}

	return g.Wait()
}

func (d *Driver) pollOne(ctx context.Context, name string, entry Entry) error {
	var stateHolder map[string]any
	if _, err := d.bus.LoadBridgeState(name, &stateHolder); err != nil {
		return fmt.Errorf("bridge %s: load state: %w", name, err)
	}

	events, newState, err := entry.Bridge.Events(ctx, stateHolder)
	if err != nil {
		d.logger.Warn("bridge events poll failed", "bridge", name, "error", err)
		return nil
	}
	for _, ev := range events {
		if err := d.bus.AppendEvent(ev); err != nil {
			return fmt.Errorf("bridge %s: append event: %w", name, err)
		}
	}
	if newState != nil {
		if err := d.bus.SaveBridgeState(name, newState); err != nil {
			return fmt.Errorf("bridge %s: save state: %w", name, err)
		}
	}

	return d.deliverActions(ctx, name, entry)
}

// deliverActions offers the outbound action backlog to the bridge,
// using per-bridge delivery receipts so an action already marked
// delivered is never re-offered even if a later tick restarts mid-flight
// (spec.md §3 invariant 5).
func (d *Driver) deliverActions(ctx context.Context, name string, entry Entry) error {
	receipts, err := d.bus.LoadBridgeActionsState(name)
	if err != nil {
		return fmt.Errorf("bridge %s: load receipts: %w", name, err)
	}

	actions, _, err := d.bus.ReadNewActions(0)
	if err != nil {
		return fmt.Errorf("bridge %s: read actions: %w", name, err)
	}

	var pending []bus.Action
	for _, a := range actions {
		if _, done := receipts.DeliveredActions[a.ID]; done {
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		return nil
	}

	delivered, newState, err := entry.Bridge.Actions(ctx, pending, nil)
	if err != nil {
		d.logger.Warn("bridge action delivery failed", "bridge", name, "error", err)
		return nil
	}

	for _, id := range delivered {
		receipts.DeliveredActions[id] = []byte(`{"deliveredAt":true}`)
	}
	if err := d.bus.SaveBridgeActionsState(name, receipts); err != nil {
		return fmt.Errorf("bridge %s: save receipts: %w", name, err)
	}
	if newState != nil {
		if err := d.bus.SaveBridgeState(name, newState); err != nil {
			return fmt.Errorf("bridge %s: save state: %w", name, err)
		}
	}
	return nil
}
