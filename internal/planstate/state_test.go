package planstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPlanStateIsDraft(t *testing.T) {
	s := New("p1")
	require.Equal(t, StatusDraft, s.Status)
	require.False(t, s.Blocked)
	require.Nil(t, s.Running)
	require.Equal(t, -1, s.LastTodoIndex)
}

func TestPlanStateJSONRoundTrip(t *testing.T) {
	s := New("p1")
	s.Status = StatusActive
	s.Branch = "prloom/p1"
	s.LastTodoIndex = 3
	s.CommitReview = CommitReviewAttempt{Loops: 1, Verdict: "needs-changes"}
	s.Running = &RunningHandle{Stage: "worker", Handle: "tmux-4242"}

	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NotContains(t, string(data), "tmux-4242", "transient Running handle must never be persisted")

	var reloaded PlanState
	require.NoError(t, json.Unmarshal(data, &reloaded))
	require.Equal(t, StatusActive, reloaded.Status)
	require.Equal(t, "prloom/p1", reloaded.Branch)
	require.Equal(t, 3, reloaded.LastTodoIndex)
	require.Equal(t, "needs-changes", reloaded.CommitReview.Verdict)
	require.Nil(t, reloaded.Running)
}

// spec.md §6: unknown keys in state.json are preserved on rewrite.
func TestPlanStatePreservesUnknownKeysOnRewrite(t *testing.T) {
	raw := []byte(`{
		"status": "active",
		"branch": "prloom/p1",
		"futureField": {"nested": true},
		"anotherNewThing": 7
	}`)

	var s PlanState
	require.NoError(t, json.Unmarshal(raw, &s))
	require.Equal(t, StatusActive, s.Status)
	require.Contains(t, s.Extra, "futureField")
	require.Contains(t, s.Extra, "anotherNewThing")

	out, err := json.Marshal(s)
	require.NoError(t, err)

	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	require.Contains(t, roundTripped, "futureField")
	require.JSONEq(t, `{"nested": true}`, string(roundTripped["futureField"]))
	require.JSONEq(t, `7`, string(roundTripped["anotherNewThing"]))
	require.JSONEq(t, `"active"`, string(roundTripped["status"]))
}

func TestRunningHandleEmpty(t *testing.T) {
	var h *RunningHandle
	require.True(t, h.Empty())

	h = &RunningHandle{}
	require.True(t, h.Empty())

	h = &RunningHandle{Handle: "tmux-1"}
	require.False(t, h.Empty())
}
