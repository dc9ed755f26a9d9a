// Package corebridge is the always-registered "prloom-core" bridge
// (spec.md §4.5): it has no external transport of its own and exists
// solely to acknowledge bus.ActionUpsertPlan actions targeted at the
// core rather than an external system, so they never sit in the pending
// backlog forever. The dispatcher reads upsert_plan actions directly off
// the bus; this bridge's only job is delivery bookkeeping.
package corebridge

import (
	"context"

	"github.com/prloom/prloom/internal/bridge"
	"github.com/prloom/prloom/internal/bus"
)

const Name = "prloom-core"

func init() {
	bridge.Register("core", func(name string, config map[string]any) (bridge.Bridge, error) {
		return &Bridge{}, nil
	})
}

// Bridge has no inbound polling of its own; it only acknowledges
// upsert_plan actions as delivered.
type Bridge struct{}

func (Bridge) Name() string { return Name }

func (Bridge) Events(ctx context.Context, state any) ([]bus.Event, any, error) {
	return nil, nil, nil
}

// Actions claims every pending bus.ActionUpsertPlan action as delivered
// without emitting any event, and leaves every other action type
// untouched for a real transport bridge to deliver.
func (Bridge) Actions(ctx context.Context, pending []bus.Action, state any) ([]string, any, error) {
	var delivered []string
	for _, a := range pending {
		if a.Type != bus.ActionUpsertPlan {
			continue
		}
		delivered = append(delivered, a.ID)
	}
	return delivered, nil, nil
}
