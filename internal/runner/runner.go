package runner

import (
	"context"
	"fmt"

	"github.com/prloom/prloom/internal/collab"
)

// Stage identifies one of the four subprocess stages a plan can be in
// (spec.md §4.2, §4.3).
type Stage string

const (
	StageWorker       Stage = "worker"
	StageTriage       Stage = "triage"
	StageReview       Stage = "review"
	StageCommitReview Stage = "commitReview"
)

// Runner is a thin, non-blocking wrapper around a collab.AgentAdapter:
// it builds the agent command line for a stage and forwards Start/Alive/
// Result/Stop. Completion is never decided here from an exit code — the
// dispatcher re-parses plan markdown after a stage finishes to decide
// whether a TODO is done (spec.md §4.3 Worker step: "the dispatcher
// decides completion by re-parsing, never by trusting the adapter's exit
// code"). Policy is carried alongside the adapter; none of Runner's
// methods consults it or retries a failed call.
type Runner struct {
	Adapter collab.AgentAdapter
	Policy  RetryPolicy
}

// New returns a Runner with the default retry policy.
func New(adapter collab.AgentAdapter) *Runner {
	return &Runner{Adapter: adapter, Policy: DefaultRetryPolicy()}
}

// Start builds the agent command line from agentCommandTemplate/model/
// prompt and launches it via the adapter, returning its handle
// immediately without waiting for completion.
func (r *Runner) Start(ctx context.Context, worktreePath string, stage Stage, agentCommandTemplate, model, prompt string) (string, error) {
	cmd, err := BuildCommand(agentCommandTemplate, model, prompt)
	if err != nil {
		return "", fmt.Errorf("runner: build command for %s: %w", stage, err)
	}
	handle, err := r.Adapter.Start(ctx, worktreePath, string(stage), cmd, prompt)
	if err != nil {
		return "", fmt.Errorf("runner: start %s: %w", stage, err)
	}
	return handle, nil
}

// Alive reports whether the invocation named by handle is still running.
func (r *Runner) Alive(ctx context.Context, handle string) (bool, error) {
	return r.Adapter.Alive(ctx, handle)
}

// Result returns the invocation's outcome as the adapter reports it.
// What a call made while the invocation is still alive returns depends
// on the adapter (see collab.AgentAdapter.Result).
func (r *Runner) Result(ctx context.Context, handle string) (collab.RunResult, error) {
	return r.Adapter.Result(ctx, handle)
}

// Stop requests early termination of the invocation named by handle.
func (r *Runner) Stop(ctx context.Context, handle string) error {
	return r.Adapter.Stop(ctx, handle)
}
