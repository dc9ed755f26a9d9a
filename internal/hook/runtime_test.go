package hook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prloom/prloom/internal/bus"
)

type recordingPlugin struct {
	name     string
	points   []Point
	decision Decision
	calls    int
}

func (p *recordingPlugin) Name() string    { return p.name }
func (p *recordingPlugin) Points() []Point { return p.points }
func (p *recordingPlugin) Handle(hc *Context) (Decision, error) {
	p.calls++
	return p.decision, nil
}

func newTestBus(t *testing.T) *bus.Manager {
	t.Helper()
	m, err := bus.NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestRuntimeFiresOnlyMatchingPoint(t *testing.T) {
	b := newTestBus(t)
	before := &recordingPlugin{name: "p1", points: []Point{PointBeforeTodo}}
	after := &recordingPlugin{name: "p2", points: []Point{PointAfterTodo}}

	rt := New(b, []Plugin{before, after}, nil)
	hc := NewContext(context.Background(), b, "p1", nil, "", nil)

	_, err := rt.Fire(context.Background(), PointBeforeTodo, hc, "")
	require.NoError(t, err)
	require.Equal(t, 1, before.calls)
	require.Equal(t, 0, after.calls)
}

func TestRuntimeDeferralPersistsDispatcherState(t *testing.T) {
	b := newTestBus(t)
	deferring := &recordingPlugin{
		name:     "deferrer",
		points:   []Point{PointOnEvent},
		decision: Decision{Defer: true, DeferReason: "rate limited", DeferForMs: 60_000},
	}
	rt := New(b, []Plugin{deferring}, nil)
	hc := NewContext(context.Background(), b, "deferrer", nil, "", nil)

	decision, err := rt.Fire(context.Background(), PointOnEvent, hc, "evt-1")
	require.NoError(t, err)
	require.True(t, decision.Defer)

	st, err := b.LoadDispatcherState()
	require.NoError(t, err)
	require.Equal(t, "rate limited", st.DeferredEventIDs["evt-1"].Reason)
}

func TestContextEmitActionsAppendToBus(t *testing.T) {
	b := newTestBus(t)
	hc := NewContext(context.Background(), b, "p1", nil, "", nil)
	hc.PlanID = "plan-1"

	require.NoError(t, hc.EmitComment("gh", "nice work"))
	require.NoError(t, hc.EmitReview("gh", "approve", "lgtm"))
	require.NoError(t, hc.EmitMerge("gh", "squash"))

	actions, _, err := b.ReadNewActions(0)
	require.NoError(t, err)
	require.Len(t, actions, 3)
}

func TestContextScopedStateRoundTrips(t *testing.T) {
	b := newTestBus(t)
	hc := NewContext(context.Background(), b, "p1", nil, "", nil)
	hc.PlanID = "plan-1"

	type counter struct {
		N int `json:"n"`
	}
	require.NoError(t, hc.SetState(counter{N: 3}))

	var loaded counter
	ok, err := hc.GetState(&loaded)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, loaded.N)

	hc2 := NewContext(context.Background(), b, "p1", nil, "", nil)
	hc2.PlanID = "plan-2"
	ok, err = hc2.GetState(&loaded)
	require.NoError(t, err)
	require.False(t, ok, "state is scoped per-plan")
}

func TestBuildUnknownKindErrors(t *testing.T) {
	_, err := Build("nope", "x", nil)
	require.Error(t, err)
}
