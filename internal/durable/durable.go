// Package durable is the optional Temporal-backed execution backend
// (spec.md §2 config key dispatch.backend = "temporal"): it runs single
// stage invocations as Temporal workflows on behalf of durableadapter,
// while plan advancement itself stays in the in-process dispatcher loop.
// Grounded on internal/temporal's worker/workflow/activity registration
// pattern.
package durable

import (
	"context"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

const TaskQueue = "prloom-task-queue"

// StageRequest is the input to PlanStageWorkflow: run one worker/triage/
// review stage invocation for a plan's current TODO.
type StageRequest struct {
	PlanID       string
	WorktreePath string
	Stage        string
	AgentCommand string
	Model        string
	Prompt       string
	Attempt      int
}

// StageResult mirrors collab.RunResult in a Temporal-serializable shape.
type StageResult struct {
	ExitCode    int
	LogTail     string
	Blocked     bool
	BlockReason string
	ShouldRetry bool
	RetryDelay  time.Duration
}

// StageRunner is the narrow surface PlanStageActivities needs from
// internal/runner, kept as an interface so the activity can be
// registered without importing collab.AgentAdapter concrete types.
type StageRunner interface {
	RunStage(ctx context.Context, req StageRequest) (StageResult, error)
}

// Activities bundles the Temporal activity methods for the durable
// backend.
type Activities struct {
	Runner StageRunner
}

// RunStageActivity executes one stage invocation via the injected
// StageRunner.
func (a *Activities) RunStageActivity(ctx context.Context, req StageRequest) (StageResult, error) {
	return a.Runner.RunStage(ctx, req)
}

// PlanStageWorkflow runs a single stage invocation as a durable
// activity, mirroring internal/temporal.DispatcherWorkflow's
// ActivityOptions pattern. The retry policy allows one attempt only, so
// Temporal does not retry a failed invocation.
func PlanStageWorkflow(ctx workflow.Context, req StageRequest) (StageResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	actCtx := workflow.WithActivityOptions(ctx, ao)

	var acts *Activities
	var result StageResult
	err := workflow.ExecuteActivity(actCtx, acts.RunStageActivity, req).Get(ctx, &result)
	if err != nil {
		return StageResult{}, fmt.Errorf("durable: run stage activity: %w", err)
	}
	return result, nil
}

// StartWorker connects to the local Temporal server and runs a worker
// registered for PlanStageWorkflow, blocking until interrupted.
func StartWorker(hostPort string, acts *Activities) error {
	if hostPort == "" {
		hostPort = "127.0.0.1:7233"
	}
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("durable: dial temporal: %w", err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})
	w.RegisterWorkflow(PlanStageWorkflow)
	w.RegisterActivity(acts.RunStageActivity)

	return w.Run(worker.InterruptCh())
}

// StartStage starts a PlanStageWorkflow run and returns its workflow/run
// ID immediately, without waiting for it to complete (spec.md §6
// AgentAdapter: "fire-and-observe" — the dispatcher polls completion
// across ticks rather than blocking the loop on a single plan's stage).
func StartStage(ctx context.Context, c client.Client, req StageRequest) (workflowID, runID string, err error) {
	opts := client.StartWorkflowOptions{
		ID:                    fmt.Sprintf("prloom-stage-%s-%s-%d", req.PlanID, req.Stage, req.Attempt),
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := c.ExecuteWorkflow(ctx, opts, PlanStageWorkflow, req)
	if err != nil {
		return "", "", fmt.Errorf("durable: start workflow: %w", err)
	}
	return run.GetID(), run.GetRunID(), nil
}

// StageRunning reports whether the named workflow run has not yet
// reached a terminal status, via DescribeWorkflowExecution rather than
// blocking on the run's result channel.
func StageRunning(ctx context.Context, c client.Client, workflowID, runID string) (bool, error) {
	desc, err := c.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return false, fmt.Errorf("durable: describe workflow: %w", err)
	}
	status := desc.GetWorkflowExecutionInfo().GetStatus()
	return status == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING ||
		status == enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW, nil
}

// StageResultOf fetches the outcome of a completed workflow run. Calling
// it before the run has finished blocks on GetWorkflow's result channel,
// so callers should first confirm StageRunning is false.
func StageResultOf(ctx context.Context, c client.Client, workflowID, runID string) (StageResult, error) {
	run := c.GetWorkflow(ctx, workflowID, runID)
	var result StageResult
	if err := run.Get(ctx, &result); err != nil {
		return StageResult{}, fmt.Errorf("durable: await workflow: %w", err)
	}
	return result, nil
}
