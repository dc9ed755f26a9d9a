package durable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStageRunner struct {
	result StageResult
	err    error
}

func (f *fakeStageRunner) RunStage(ctx context.Context, req StageRequest) (StageResult, error) {
	return f.result, f.err
}

func TestRunStageActivityDelegatesToRunner(t *testing.T) {
	acts := &Activities{Runner: &fakeStageRunner{result: StageResult{ExitCode: 0}}}

	result, err := acts.RunStageActivity(context.Background(), StageRequest{PlanID: "p1", Stage: "worker"})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}

func TestRunStageActivityPropagatesRunnerError(t *testing.T) {
	acts := &Activities{Runner: &fakeStageRunner{err: context.DeadlineExceeded}}

	_, err := acts.RunStageActivity(context.Background(), StageRequest{PlanID: "p1"})
	require.Error(t, err)
}
