// Package durableadapter is a collab.AgentAdapter that runs each stage
// invocation as a Temporal workflow via internal/durable, for operators
// who configure dispatch.backend = "temporal" and want stage execution
// durably scheduled rather than run in the dispatcher's own process.
package durableadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.temporal.io/sdk/client"

	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/durable"
)

// Adapter submits every Start invocation as a PlanStageWorkflow and
// returns immediately, handing back a handle the dispatcher polls across
// ticks via Alive/Result rather than blocking on the workflow's result
// channel (spec.md §6 AgentAdapter: "fire-and-observe").
type Adapter struct {
	client client.Client

	mu      sync.Mutex
	attempt map[string]int // worktreePath+stage -> next workflow attempt number
}

// New dials the Temporal frontend at hostPort ("" uses the default
// 127.0.0.1:7233) and returns an Adapter bound to that connection.
func New(hostPort string) (*Adapter, error) {
	if hostPort == "" {
		hostPort = "127.0.0.1:7233"
	}
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return nil, fmt.Errorf("durableadapter: dial temporal: %w", err)
	}
	return &Adapter{client: c, attempt: map[string]int{}}, nil
}

// handle encodes a workflow execution's (workflowID, runID) pair as a
// single string so it fits collab.AgentAdapter's string-handle contract.
const handleSep = "\x1f"

func encodeHandle(workflowID, runID string) string { return workflowID + handleSep + runID }

func decodeHandle(handle string) (workflowID, runID string) {
	parts := strings.SplitN(handle, handleSep, 2)
	if len(parts) != 2 {
		return handle, ""
	}
	return parts[0], parts[1]
}

// Start submits worktreePath/stage/agentCommand/prompt as a
// PlanStageWorkflow run and returns an encoded workflow/run ID handle
// immediately.
func (a *Adapter) Start(ctx context.Context, worktreePath, stage, agentCommand, prompt string) (string, error) {
	a.mu.Lock()
	key := worktreePath + handleSep + stage
	a.attempt[key]++
	n := a.attempt[key]
	a.mu.Unlock()

	workflowID, runID, err := durable.StartStage(ctx, a.client, durable.StageRequest{
		WorktreePath: worktreePath,
		Stage:        stage,
		AgentCommand: agentCommand,
		Prompt:       prompt,
		Attempt:      n,
	})
	if err != nil {
		return "", err
	}
	return encodeHandle(workflowID, runID), nil
}

// Alive reports whether the workflow run named by handle has not yet
// reached a terminal status.
func (a *Adapter) Alive(ctx context.Context, handle string) (bool, error) {
	workflowID, runID := decodeHandle(handle)
	return durable.StageRunning(ctx, a.client, workflowID, runID)
}

// Result fetches the finished workflow run's outcome. Calling it while
// the workflow is still running blocks on Temporal's result channel, so
// callers should confirm Alive is false first.
func (a *Adapter) Result(ctx context.Context, handle string) (collab.RunResult, error) {
	workflowID, runID := decodeHandle(handle)
	result, err := durable.StageResultOf(ctx, a.client, workflowID, runID)
	if err != nil {
		return collab.RunResult{}, err
	}
	return collab.RunResult{ExitCode: result.ExitCode, LogTail: result.LogTail}, nil
}

// Stop requests cancellation of the named workflow run.
func (a *Adapter) Stop(ctx context.Context, handle string) error {
	workflowID, runID := decodeHandle(handle)
	if workflowID == "" {
		return nil
	}
	return a.client.CancelWorkflow(ctx, workflowID, runID)
}

var _ collab.AgentAdapter = (*Adapter)(nil)
