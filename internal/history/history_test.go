package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryTransitions(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordTransition("plan-1", "draft", "queued", ""))
	require.NoError(t, s.RecordTransition("plan-1", "queued", "active", "picked up by dispatcher"))

	transitions, err := s.Transitions("plan-1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	require.Equal(t, "queued", transitions[0].To)
	require.Equal(t, "active", transitions[1].To)
	require.Equal(t, "picked up by dispatcher", transitions[1].Detail)
}

func TestRecordStageRunAndTotalCost(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordStageRun(StageRun{
		PlanID: "plan-1", Stage: "worker", TodoIndex: 0, ExitCode: 0,
		InputTokens: 1000, OutputTokens: 500, CostUSD: 0.25,
		StartedAt: now, FinishedAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.RecordStageRun(StageRun{
		PlanID: "plan-1", Stage: "review", TodoIndex: 0, ExitCode: 0,
		CostUSD: 0.10, StartedAt: now, FinishedAt: now,
	}))

	total, err := s.TotalCost("plan-1")
	require.NoError(t, err)
	require.InDelta(t, 0.35, total, 0.0001)
}

func TestTotalCostForUnknownPlanIsZero(t *testing.T) {
	s := openTestStore(t)
	total, err := s.TotalCost("nope")
	require.NoError(t, err)
	require.Equal(t, 0.0, total)
}
