// Package dispatcher implements the top-level scheduling loop (spec.md
// §4.1): on each tick it drains operator control commands, polls
// bridges, ingests new bus events, and advances every non-blocked plan
// one step through the state machine in internal/planstate. Grounded on
// internal/scheduler.Scheduler's Run/tick split and config hot-reload
// pattern, generalized from a single Temporal-dispatch decision per tick
// to a per-plan advancement loop over a file-backed plan set.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prloom/prloom/internal/bridge"
	"github.com/prloom/prloom/internal/bus"
	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/config"
	"github.com/prloom/prloom/internal/history"
	"github.com/prloom/prloom/internal/hook"
	"github.com/prloom/prloom/internal/planstate"
	"github.com/prloom/prloom/internal/statestore"
)

// Collaborators bundles the abstract interfaces the dispatcher depends
// on instead of a concrete forge/VCS/agent package (spec.md §6).
type Collaborators struct {
	VCS      collab.VCS
	Review   collab.ReviewProvider
	PlanDoc  collab.PlanDoc
	Adapters map[string]collab.AgentAdapter // stage -> adapter, "" is the default
}

func (c Collaborators) adapterFor(stage string) collab.AgentAdapter {
	if a, ok := c.Adapters[stage]; ok {
		return a
	}
	return c.Adapters[""]
}

// Dispatcher owns one repository's plan set and drives it forward on a
// fixed tick, the way internal/scheduler.Scheduler drives bead dispatch
// (spec.md §4.1).
type Dispatcher struct {
	cfgMgr  config.ConfigManager
	bus     *bus.Manager
	store   *statestore.Store
	collab  Collaborators
	bridges *bridge.Driver
	hooks   *hook.Runtime
	history *history.Store
	logger  *slog.Logger

	// plans is the live, in-memory plan set. It persists transient
	// subprocess bookkeeping (Running, retry counters) across ticks that
	// state.json never stores, and is unioned with whatever the file
	// holds at the top of each Tick (spec.md §4.1 step 1).
	mu    sync.Mutex
	plans map[string]*planstate.PlanState
}

// New constructs a Dispatcher. history may be nil, in which case stage
// runs and plan transitions are simply not recorded.
func New(cfgMgr config.ConfigManager, busManager *bus.Manager, store *statestore.Store, collaborators Collaborators, bridges *bridge.Driver, hooks *hook.Runtime, hist *history.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfgMgr:  cfgMgr,
		bus:     busManager,
		store:   store,
		collab:  collaborators,
		bridges: bridges,
		hooks:   hooks,
		history: hist,
		logger:  logger,
		plans:   map[string]*planstate.PlanState{},
	}
}

// Run blocks until ctx is canceled, ticking at 250ms granularity but
// only performing a full advancement pass when the control file has
// grown or five seconds have elapsed, whichever comes first (spec.md
// §4.1 implementation note on the event-driven wake condition).
func (d *Dispatcher) Run(ctx context.Context) error {
	const pollGranularity = 250 * time.Millisecond
	const maxIdle = 5 * time.Second

	ticker := time.NewTicker(pollGranularity)
	defer ticker.Stop()

	lastTick := time.Now().Add(-maxIdle)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
			grew, err := d.controlGrew()
			if err != nil {
				d.logger.Error("dispatcher: check control growth", "error", err)
			}
			if grew || time.Since(lastTick) >= maxIdle {
				if err := d.Tick(ctx); err != nil {
					d.logger.Error("dispatcher tick failed", "error", err)
				}
				lastTick = time.Now()
			}
		}
	}
}

// cfg returns the current config snapshot, or nil if no config manager is
// wired (e.g. some unit tests construct a Dispatcher directly).
func (d *Dispatcher) cfg() *config.Config {
	if d.cfgMgr == nil {
		return nil
	}
	return d.cfgMgr.Get()
}

func (d *Dispatcher) controlGrew() (bool, error) {
	doc, err := d.store.Load()
	if err != nil {
		return false, err
	}
	cmds, newOffset, err := statestore.ReadControlSince(d.store.ControlPath(), doc.ControlCursor)
	if err != nil {
		return false, err
	}
	return len(cmds) > 0 || newOffset > doc.ControlCursor, nil
}
