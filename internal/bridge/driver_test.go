package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prloom/prloom/internal/bus"
)

type fakeBridge struct {
	name      string
	events    []bus.Event
	deliverID []string
}

func (f *fakeBridge) Name() string { return f.name }

func (f *fakeBridge) Events(ctx context.Context, state any) ([]bus.Event, any, error) {
	return f.events, map[string]any{"polled": true}, nil
}

func (f *fakeBridge) Actions(ctx context.Context, pending []bus.Action, state any) ([]string, any, error) {
	return f.deliverID, nil, nil
}

func newTestBus(t *testing.T) *bus.Manager {
	t.Helper()
	m, err := bus.NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestDriverTickAppendsInboundEvents(t *testing.T) {
	b := newTestBus(t)
	fb := &fakeBridge{name: "test", events: []bus.Event{{ID: "e1", Type: "comment"}}}

	d := New(b, map[string]Entry{"test": {Bridge: fb, PollInterval: time.Millisecond}}, nil)
	require.NoError(t, d.Tick(context.Background()))

	events, _, err := b.ReadNewEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "e1", events[0].ID)
}

func TestDriverDeliversPendingActionsOnce(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.AppendAction(bus.Action{ID: "a1", Type: bus.ActionComment, Target: "test"}))

	fb := &fakeBridge{name: "test", deliverID: []string{"a1"}}
	d := New(b, map[string]Entry{"test": {Bridge: fb, PollInterval: time.Millisecond}}, nil)

	require.NoError(t, d.Tick(context.Background()))

	receipts, err := b.LoadBridgeActionsState("test")
	require.NoError(t, err)
	require.Contains(t, receipts.DeliveredActions, "a1")
}

func TestBuildUnknownKindErrors(t *testing.T) {
	_, err := Build("does-not-exist", "x", nil)
	require.Error(t, err)
}
