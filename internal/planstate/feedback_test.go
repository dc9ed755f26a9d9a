package planstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// spec.md §8 property 3.
func TestFeedbackPollDecisionPollOnceWins(t *testing.T) {
	d := GetFeedbackPollDecision(10_000, 60_000, 9_999, true)
	require.True(t, d.ShouldPoll)
	require.True(t, d.ClearPollOnce)
	require.True(t, d.ShouldUpdateLastPoll)
}

func TestFeedbackPollDecisionNeverPolledAlwaysPolls(t *testing.T) {
	d := GetFeedbackPollDecision(10_000, 60_000, 0, false)
	require.True(t, d.ShouldPoll)
	require.False(t, d.ClearPollOnce)
	require.True(t, d.ShouldUpdateLastPoll)
}

func TestFeedbackPollDecisionBeforeIntervalDoesNotPoll(t *testing.T) {
	d := GetFeedbackPollDecision(30_000, 60_000, 10_000, false)
	require.False(t, d.ShouldPoll)
	require.False(t, d.ClearPollOnce)
	require.False(t, d.ShouldUpdateLastPoll)
}

func TestFeedbackPollDecisionAtIntervalBoundaryPolls(t *testing.T) {
	d := GetFeedbackPollDecision(70_000, 60_000, 10_000, false)
	require.True(t, d.ShouldPoll)
	require.True(t, d.ShouldUpdateLastPoll)
}

func TestFeedbackPollDecisionZeroIntervalNeverPolls(t *testing.T) {
	d := GetFeedbackPollDecision(1_000_000, 0, 10_000, false)
	require.False(t, d.ShouldPoll)
}
