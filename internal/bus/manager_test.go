package bus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

// spec.md §8 property 1.
func TestReadEventsReturnsExactlyOneNewEvent(t *testing.T) {
	m := newTestManager(t)

	events, offset0, err := m.ReadNewEvents(0)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(0), offset0)

	require.NoError(t, m.AppendEvent(Event{ID: "e1", Type: "comment", Body: "hello"}))

	events, offset1, err := m.ReadNewEvents(offset0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "e1", events[0].ID)
	require.Greater(t, offset1, offset0)

	// Reading again from the new offset yields nothing further.
	more, offset2, err := m.ReadNewEvents(offset1)
	require.NoError(t, err)
	require.Empty(t, more)
	require.Equal(t, offset1, offset2)
}

// spec.md §8 property 2 / §4.4 read contract: a partial trailing line is
// never returned and is re-read once completed.
func TestReadEventsToleratesPartialTrailingLine(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AppendEvent(Event{ID: "e1", Body: "füll ünïcödé — éè"}))

	full, err := os.ReadFile(m.EventsPath())
	require.NoError(t, err)

	partial := full[:len(full)-5] // chop off mid-last-line (no trailing \n)
	require.NoError(t, os.WriteFile(m.EventsPath(), partial, 0o644))

	events, offset, err := m.ReadNewEvents(0)
	require.NoError(t, err)
	require.Empty(t, events, "a partial trailing record must never be returned")
	require.Equal(t, int64(0), offset, "offset must not advance past an incomplete line")

	// Complete the write; the same offset now yields the one event.
	require.NoError(t, os.WriteFile(m.EventsPath(), full, 0o644))
	events, offset, err = m.ReadNewEvents(offset)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "füll ünïcödé — éè", events[0].Body)
	require.Equal(t, int64(len(full)), offset)
}

func TestAppendActionAndReadActions(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AppendAction(Action{ID: "a1", Type: ActionComment, Target: "gh"}))
	require.NoError(t, m.AppendAction(Action{ID: "a2", Type: ActionMerge, Target: "gh"}))

	actions, offset, err := m.ReadNewActions(0)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, "a1", actions[0].ID)
	require.Equal(t, "a2", actions[1].ID)
	require.Positive(t, offset)
}

func TestReadEventsMissingFileIsEmptyNotError(t *testing.T) {
	m := newTestManager(t)
	events, offset, err := ReadEvents(filepath.Join(m.Root(), "nope.jsonl"), 0)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(0), offset)
}

func TestDeduplicateEventsIsIdempotent(t *testing.T) {
	seen := NewProcessedSet(nil)
	events := []Event{{ID: "e1"}, {ID: "e2"}, {ID: "e1"}}

	first := DeduplicateEvents(events, seen)
	require.Len(t, first, 2)

	second := DeduplicateEvents(events, seen)
	require.Empty(t, second, "re-applying dedup with the same processed set must yield nothing new")
}

func TestPruneProcessedIDsKeepsTail(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	require.Equal(t, []string{"c", "d", "e"}, PruneProcessedIDs(ids, 3))
	require.Equal(t, ids, PruneProcessedIDs(ids, 10))
}

func TestDispatcherStateRoundTrip(t *testing.T) {
	m := newTestManager(t)

	st, err := m.LoadDispatcherState()
	require.NoError(t, err)
	require.Equal(t, int64(0), st.EventsOffset)

	st.EventsOffset = 42
	st.ProcessedEventIDs = []string{"e1", "e2"}
	st.DeferredEventIDs["e3"] = DeferredEvent{Reason: "rate limited", DeferredUntil: 1000}
	require.NoError(t, m.SaveDispatcherState(st))

	reloaded, err := m.LoadDispatcherState()
	require.NoError(t, err)
	require.Equal(t, int64(42), reloaded.EventsOffset)
	require.Equal(t, []string{"e1", "e2"}, reloaded.ProcessedEventIDs)
	require.Equal(t, "rate limited", reloaded.DeferredEventIDs["e3"].Reason)
}

func TestBridgeActionsStateTracksReceipts(t *testing.T) {
	m := newTestManager(t)
	st, err := m.LoadBridgeActionsState("github")
	require.NoError(t, err)
	require.Empty(t, st.DeliveredActions)

	st.DeliveredActions["act-1"] = []byte(`{"ok":true}`)
	require.NoError(t, m.SaveBridgeActionsState("github", st))

	reloaded, err := m.LoadBridgeActionsState("github")
	require.NoError(t, err)
	require.Contains(t, reloaded.DeliveredActions, "act-1")
}

func TestPluginStateRoundTrip(t *testing.T) {
	m := newTestManager(t)
	type kv struct {
		Count int `json:"count"`
	}
	var loaded kv
	ok, err := m.LoadPluginState("memory", &loaded)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.SavePluginState("memory", kv{Count: 3}))
	ok, err = m.LoadPluginState("memory", &loaded)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, loaded.Count)
}
