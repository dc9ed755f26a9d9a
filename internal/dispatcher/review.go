package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/planstate"
	"github.com/prloom/prloom/internal/runner"
)

// reviewResult is the structured outcome a review agent invocation writes
// to resultPath(worktree, "review") (spec.md §4.3 Review step, §6 file
// layout).
type reviewResult struct {
	Verdict  string                 `json:"verdict"`
	Summary  string                 `json:"summary"`
	Comments []collab.InlineComment `json:"comments"`
}

// startReviewStep transitions a plan into reviewing and launches its
// reviewer agent (spec.md §4.1 finding 4, step 5: explicit `review`
// control command on a plan already in review status).
func (d *Dispatcher) startReviewStep(ctx context.Context, planID string, ps *planstate.PlanState) error {
	d.applyTransition(planID, ps, planstate.StatusReviewing, "review requested")
	return d.pollReviewStep(ctx, planID, ps)
}

// pollReviewStep launches the review agent if none is running for this
// plan, or polls and settles a previously started one.
func (d *Dispatcher) pollReviewStep(ctx context.Context, planID string, ps *planstate.PlanState) error {
	if ps.Running != nil && ps.Running.Stage == "review" {
		return d.continueReviewRun(ctx, planID, ps)
	}

	prompt := "Review the full diff of this change request and write your verdict to " +
		"prloom/.local/review-result.json as {\"verdict\": \"approve\"|\"request_changes\"|\"comment\", " +
		"\"summary\": string, \"comments\": [{\"path\": string, \"line\": number, \"body\": string}]}."

	r := d.runnerFor(string(runner.StageReview))
	handle, err := r.Start(ctx, ps.WorktreePath, runner.StageReview, fixedAgentCommand, d.agentFor("review", ps.AgentOverride), prompt)
	if err != nil {
		return fmt.Errorf("start review stage: %w", err)
	}
	ps.Running = &planstate.RunningHandle{Stage: "review", TodoIndex: -1, Handle: handle, StartedAt: nowMillis()}
	return nil
}

func (d *Dispatcher) continueReviewRun(ctx context.Context, planID string, ps *planstate.PlanState) error {
	r := d.runnerFor(string(runner.StageReview))
	alive, err := r.Alive(ctx, ps.Running.Handle)
	if err != nil {
		return fmt.Errorf("poll review alive: %w", err)
	}
	if alive {
		return nil
	}

	startedAt := time.UnixMilli(ps.Running.StartedAt)
	result, err := r.Result(ctx, ps.Running.Handle)
	ps.Running = nil
	if err != nil {
		return fmt.Errorf("fetch review result: %w", err)
	}
	d.recordStageRun(planID, "review", -1, 0, result, startedAt)

	rr, err := loadReviewResult(ps.WorktreePath)
	if err != nil {
		ps.Blocked = true
		ps.LastError = fmt.Sprintf("review produced no usable result: %v", err)
		return nil
	}

	if d.collab.Review != nil && ps.CRReference != "" {
		if err := d.collab.Review.SubmitReview(ctx, ps.WorktreePath, ps.CRReference, rr.Verdict, rr.Summary, rr.Comments); err != nil {
			d.logger.Error("dispatcher: submit review", "plan", planID, "error", err)
		}
	}

	d.applyTransition(planID, ps, planstate.StatusActive, "review complete")
	ps.PollOnce = true
	return nil
}

func loadReviewResult(worktreePath string) (reviewResult, error) {
	var rr reviewResult
	data, err := os.ReadFile(resultPath(worktreePath, "review"))
	if err != nil {
		return rr, err
	}
	if err := json.Unmarshal(data, &rr); err != nil {
		return rr, fmt.Errorf("parse review-result.json: %w", err)
	}
	return rr, nil
}
