package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prloom/prloom/internal/collab"
)

type fakeAdapter struct {
	startHandle string
	startErr    error
	alive       bool
	result      collab.RunResult
}

func (f *fakeAdapter) Start(ctx context.Context, worktreePath, stage, agentCommand, prompt string) (string, error) {
	return f.startHandle, f.startErr
}
func (f *fakeAdapter) Alive(ctx context.Context, handle string) (bool, error) { return f.alive, nil }
func (f *fakeAdapter) Result(ctx context.Context, handle string) (collab.RunResult, error) {
	return f.result, nil
}
func (f *fakeAdapter) Stop(ctx context.Context, handle string) error { return nil }

func TestRunnerStartReturnsHandleImmediately(t *testing.T) {
	r := New(&fakeAdapter{startHandle: "pid-123", alive: true})
	handle, err := r.Start(context.Background(), "/tmp/work", StageWorker, "agent run", "", "do it")
	require.NoError(t, err)
	require.Equal(t, "pid-123", handle)

	alive, err := r.Alive(context.Background(), handle)
	require.NoError(t, err)
	require.True(t, alive)
}

func TestRunnerResultSurfacesAdapterOutcome(t *testing.T) {
	adapter := &fakeAdapter{startHandle: "pid-1", result: collab.RunResult{ExitCode: 1, LogTail: "boom"}}
	r := New(adapter)

	handle, err := r.Start(context.Background(), "/tmp/work", StageWorker, "agent run", "", "do it")
	require.NoError(t, err)

	result, err := r.Result(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExitCode)
	require.Equal(t, "boom", result.LogTail)
}

func TestRunnerStartPropagatesBuildCommandError(t *testing.T) {
	r := New(&fakeAdapter{})
	_, err := r.Start(context.Background(), "/tmp/work", StageWorker, "agent run {unsupported}", "", "do it")
	require.Error(t, err)
}
