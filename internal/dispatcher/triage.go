package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prloom/prloom/internal/planstate"
	"github.com/prloom/prloom/internal/runner"
)

// triageResult is the structured outcome a triage agent invocation
// writes to resultPath(worktree, "triage") (spec.md §4.3 Triage step,
// §6 file layout).
type triageResult struct {
	Rebase        bool   `json:"rebase"`
	ReplyMarkdown string `json:"reply_markdown"`
}

// startTriageStep transitions a plan into triaging and launches its
// triage agent against freshly observed review feedback (spec.md §4.1
// finding 4, §4.3 Triage step).
func (d *Dispatcher) startTriageStep(ctx context.Context, planID string, ps *planstate.PlanState) error {
	d.applyTransition(planID, ps, planstate.StatusTriaging, "new review feedback")
	return d.pollTriageStep(ctx, planID, ps)
}

// pollTriageStep launches the triage agent if none is running for this
// plan, or polls and settles a previously started one.
func (d *Dispatcher) pollTriageStep(ctx context.Context, planID string, ps *planstate.PlanState) error {
	if ps.Running != nil && ps.Running.Stage == "triage" {
		return d.continueTriageRun(ctx, planID, ps)
	}

	prompt := "New review feedback has been posted on this plan's change request. " +
		"Read it, update the plan or source as needed, and write the outcome to " +
		"prloom/.local/triage-result.json as {\"rebase\": bool, \"reply_markdown\": string}. " +
		"Set rebase true if the branch needs to be rebased onto its base before continuing."

	r := d.runnerFor(string(runner.StageTriage))
	handle, err := r.Start(ctx, ps.WorktreePath, runner.StageTriage, fixedAgentCommand, d.agentFor("triage", ps.AgentOverride), prompt)
	if err != nil {
		return fmt.Errorf("start triage stage: %w", err)
	}
	ps.Running = &planstate.RunningHandle{Stage: "triage", TodoIndex: -1, Handle: handle, StartedAt: nowMillis()}
	return nil
}

func (d *Dispatcher) continueTriageRun(ctx context.Context, planID string, ps *planstate.PlanState) error {
	r := d.runnerFor(string(runner.StageTriage))
	alive, err := r.Alive(ctx, ps.Running.Handle)
	if err != nil {
		return fmt.Errorf("poll triage alive: %w", err)
	}
	if alive {
		return nil
	}

	startedAt := time.UnixMilli(ps.Running.StartedAt)
	result, err := r.Result(ctx, ps.Running.Handle)
	ps.Running = nil
	if err != nil {
		return fmt.Errorf("fetch triage result: %w", err)
	}
	d.recordStageRun(planID, "triage", -1, 0, result, startedAt)

	tr, err := loadTriageResult(ps.WorktreePath)
	if err != nil {
		return d.blockTriage(ctx, planID, ps, fmt.Sprintf("triage produced no usable result: %v", err))
	}

	if tr.Rebase {
		rebaseResult, err := d.collab.VCS.Rebase(ctx, ps.WorktreePath, ps.Branch, ps.BaseBranch)
		if err != nil {
			return d.blockTriage(ctx, planID, ps, fmt.Sprintf("rebase failed: %v", err))
		}
		if rebaseResult.HasConflicts {
			return d.blockTriage(ctx, planID, ps, fmt.Sprintf("rebase onto %s produced conflicts in: %v", ps.BaseBranch, rebaseResult.ConflictFiles))
		}
		if err := d.collab.VCS.PushForce(ctx, ps.WorktreePath, ps.Branch); err != nil {
			return d.blockTriage(ctx, planID, ps, fmt.Sprintf("force-push after rebase failed: %v", err))
		}
	}

	if changed, err := d.collab.VCS.HasUncommittedChanges(ctx, ps.WorktreePath); err == nil && changed {
		if err := d.collab.VCS.Commit(ctx, ps.WorktreePath, fmt.Sprintf("[prloom] %s: triage", planID)); err != nil {
			return d.blockTriage(ctx, planID, ps, fmt.Sprintf("commit triage edits failed: %v", err))
		}
		if err := d.collab.VCS.Push(ctx, ps.WorktreePath, ps.Branch); err != nil {
			return d.blockTriage(ctx, planID, ps, fmt.Sprintf("push triage edits failed: %v", err))
		}
	}

	if tr.ReplyMarkdown != "" && d.collab.Review != nil && ps.CRReference != "" {
		if err := d.collab.Review.PostComment(ctx, ps.WorktreePath, ps.CRReference, tr.ReplyMarkdown); err != nil {
			d.logger.Error("dispatcher: post triage reply", "plan", planID, "error", err)
		}
	}

	d.applyTransition(planID, ps, planstate.StatusActive, "triage complete")
	return nil
}

// blockTriage marks the plan blocked with msg, posting it to the CR as a
// comment when a reviewer is wired, and leaves the plan in triaging
// status for an operator to inspect (spec.md §4.3 Triage step: "block
// and comment on failure").
func (d *Dispatcher) blockTriage(ctx context.Context, planID string, ps *planstate.PlanState, msg string) error {
	ps.Blocked = true
	ps.LastError = msg
	if d.collab.Review != nil && ps.CRReference != "" {
		if err := d.collab.Review.PostComment(ctx, ps.WorktreePath, ps.CRReference, "Triage failed: "+msg); err != nil {
			d.logger.Error("dispatcher: post triage failure comment", "plan", planID, "error", err)
		}
	}
	return nil
}

func loadTriageResult(worktreePath string) (triageResult, error) {
	var tr triageResult
	data, err := os.ReadFile(resultPath(worktreePath, "triage"))
	if err != nil {
		return tr, err
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		return tr, fmt.Errorf("parse triage-result.json: %w", err)
	}
	return tr, nil
}
