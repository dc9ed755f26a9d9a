// Package hook implements the Hook/Plugin Runtime (spec.md §4.6): a
// closed set of lifecycle points the dispatcher calls into, backed by a
// compile-time registry of named plugin factories rather than dynamic
// .so loading (spec.md §9 Open Question resolution — dynamic plugin
// loading is out of scope; plugins are Go packages wired in at build
// time, in the same spirit as bridge.Register).
package hook

import (
	"context"

	"github.com/prloom/prloom/internal/bus"
	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/planstate"
)

// Point is one of the closed set of lifecycle points a plugin can hook
// (spec.md §4.6).
type Point string

const (
	PointAfterDesign Point = "afterDesign"
	PointBeforeTodo  Point = "beforeTodo"
	PointAfterTodo   Point = "afterTodo"
	PointBeforeFinish Point = "beforeFinish"
	PointAfterFinish Point = "afterFinish"
	PointOnEvent     Point = "onEvent"
)

var AllPoints = []Point{
	PointAfterDesign, PointBeforeTodo, PointAfterTodo,
	PointBeforeFinish, PointAfterFinish, PointOnEvent,
}

// Context is what a plugin receives when invoked at a lifecycle point.
// It exposes the same small surface a plugin needs and nothing more:
// running an agent turn, emitting bus actions, and scoped state.
type Context struct {
	ctx context.Context

	PlanID       string
	Plan         planstate.PlanDocument
	State        *planstate.PlanState
	Point        Point
	TodoIndex    int
	Event        *bus.Event

	bus          *bus.Manager
	pluginName   string
	runAgent     func(ctx context.Context, prompt string) (string, error)
	planDoc      collab.PlanDoc
	worktreePath string
}

// NewContext constructs a plugin invocation Context. planDoc/worktreePath
// may be zero-valued for points that never mutate plan markdown (onEvent
// has no plan in scope yet).
func NewContext(ctx context.Context, busManager *bus.Manager, pluginName string, planDoc collab.PlanDoc, worktreePath string, runAgent func(context.Context, string) (string, error)) *Context {
	return &Context{ctx: ctx, bus: busManager, pluginName: pluginName, planDoc: planDoc, worktreePath: worktreePath, runAgent: runAgent}
}

// AppendTodos appends new unchecked TODOs to the plan's markdown, the
// mutation surface a beforeFinish hook uses to gate completion (spec.md
// §4.6, §8 scenario S3: "beforeFinish hook blocks" by adding a TODO the
// plan must still complete before it can advance to review).
func (c *Context) AppendTodos(texts []string) error {
	if c.planDoc == nil {
		return nil
	}
	return c.planDoc.AddTodos(c.ctx, c.worktreePath, c.PlanID, texts)
}

// MarkEventHandled tells the runtime that this onEvent invocation fully
// handled event id itself — it is recorded as processed and dropped
// before it ever reaches triage (spec.md §4.6, §8 scenario S4).
func (c *Context) MarkEventHandled(id string) Decision {
	return Decision{Handled: true, EventID: id}
}

// MarkEventDeferred tells the runtime to skip event id this tick and
// re-offer it after retryAfterMs has elapsed (spec.md §4.6).
func (c *Context) MarkEventDeferred(id, reason string, retryAfterMs int64) Decision {
	return Decision{Defer: true, DeferReason: reason, DeferForMs: retryAfterMs, EventID: id}
}

// RunAgent runs one ad-hoc agent turn with the given prompt, for plugins
// that need to ask an agent a question rather than just observe state.
func (c *Context) RunAgent(prompt string) (string, error) {
	if c.runAgent == nil {
		return "", nil
	}
	return c.runAgent(c.ctx, prompt)
}

func (c *Context) EmitAction(a bus.Action) error { return c.bus.AppendAction(a) }

func (c *Context) EmitComment(target, body string) error {
	return c.EmitAction(bus.Action{Type: bus.ActionComment, Target: target, Payload: map[string]any{"body": body}})
}

func (c *Context) EmitReview(target, verdict, body string) error {
	return c.EmitAction(bus.Action{Type: bus.ActionReview, Target: target, Payload: map[string]any{"verdict": verdict, "body": body}})
}

func (c *Context) EmitMerge(target, strategy string) error {
	return c.EmitAction(bus.Action{Type: bus.ActionMerge, Target: target, Payload: map[string]any{"strategy": strategy}})
}

// GetState/SetState are scoped to this plugin and this plan, stored
// under plugin-state/<plugin>.json keyed by plan ID (spec.md §4.6).
func (c *Context) GetState(v any) (bool, error) {
	var scoped map[string]any
	ok, err := c.bus.LoadPluginState(c.pluginName, &scoped)
	if err != nil || !ok {
		return ok, err
	}
	raw, present := scoped[c.PlanID]
	if !present {
		return false, nil
	}
	return true, remarshal(raw, v)
}

func (c *Context) SetState(v any) error {
	var scoped map[string]any
	if _, err := c.bus.LoadPluginState(c.pluginName, &scoped); err != nil {
		return err
	}
	if scoped == nil {
		scoped = map[string]any{}
	}
	scoped[c.PlanID] = v
	return c.bus.SavePluginState(c.pluginName, scoped)
}

// GetGlobalState/SetGlobalState are scoped to this plugin across all
// plans, stored under the "_global" key.
func (c *Context) GetGlobalState(v any) (bool, error) {
	var scoped map[string]any
	ok, err := c.bus.LoadPluginState(c.pluginName, &scoped)
	if err != nil || !ok {
		return ok, err
	}
	raw, present := scoped["_global"]
	if !present {
		return false, nil
	}
	return true, remarshal(raw, v)
}

func (c *Context) SetGlobalState(v any) error {
	var scoped map[string]any
	if _, err := c.bus.LoadPluginState(c.pluginName, &scoped); err != nil {
		return err
	}
	if scoped == nil {
		scoped = map[string]any{}
	}
	scoped["_global"] = v
	return c.bus.SavePluginState(c.pluginName, scoped)
}

func (c *Context) ReadEvents(offset int64) ([]bus.Event, int64, error) {
	return c.bus.ReadNewEvents(offset)
}
