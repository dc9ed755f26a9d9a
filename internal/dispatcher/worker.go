package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/cost"
	"github.com/prloom/prloom/internal/history"
	"github.com/prloom/prloom/internal/hook"
	"github.com/prloom/prloom/internal/planstate"
	"github.com/prloom/prloom/internal/runner"
)

const fixedAgentCommand = "agent run --prompt-file {prompt_file}"

const (
	maxTodoRetries           = 3
	defaultCommitReviewLoops = 3
)

// resultPath is the scratch-file convention a triage/review agent
// invocation writes its structured result to, inside the worktree
// (spec.md §6 file layout).
func resultPath(worktreePath, stage string) string {
	return filepath.Join(worktreePath, "prloom", ".local", stage+"-result.json")
}

func (d *Dispatcher) runnerFor(stage string) *runner.Runner {
	return runner.New(d.collab.adapterFor(stage))
}

func (d *Dispatcher) agentFor(stage, override string) string {
	cfg := d.cfg()
	if cfg == nil {
		return ""
	}
	return cfg.ResolveAgent(stage, override)
}

// pollWorkerStep drives the worker stage forward: launching the next
// unchecked TODO's subprocess if none is running, polling a running one
// (worker or, once its commit lands, the optional commit-review gate) to
// completion, and re-parsing plan markdown to decide outcomes, never
// trusting an adapter's exit code (spec.md §4.3 Worker step).
func (d *Dispatcher) pollWorkerStep(ctx context.Context, planID string, ps *planstate.PlanState) error {
	if ps.Running != nil {
		switch ps.Running.Stage {
		case "worker":
			return d.continueWorkerRun(ctx, planID, ps)
		case "commitReview":
			return d.continueCommitReviewRun(ctx, planID, ps)
		}
	}

	plan, err := d.collab.PlanDoc.Load(ctx, ps.WorktreePath, planID)
	if err != nil {
		return fmt.Errorf("load plan doc: %w", err)
	}

	todo, hasNext := plan.NextUnchecked()
	if !hasNext {
		return d.finishPlan(ctx, planID, ps, plan)
	}

	if todo.Blocked {
		ps.Blocked = true
		ps.LastError = fmt.Sprintf("Blocked by task #%d: %s", todo.Index, todo.Text)
		return nil
	}

	d.fireHook(ctx, hook.PointBeforeTodo, planID, plan, ps, todo.Index)

	r := d.runnerFor(string(runner.StageWorker))
	handle, err := r.Start(ctx, ps.WorktreePath, runner.StageWorker, fixedAgentCommand, d.agentFor("worker", ps.AgentOverride), todo.Text)
	if err != nil {
		return fmt.Errorf("start worker stage: %w", err)
	}
	ps.Running = &planstate.RunningHandle{Stage: "worker", Handle: handle, TodoIndex: todo.Index, StartedAt: nowMillis()}
	return nil
}

func (d *Dispatcher) continueWorkerRun(ctx context.Context, planID string, ps *planstate.PlanState) error {
	r := d.runnerFor(string(runner.StageWorker))
	alive, err := r.Alive(ctx, ps.Running.Handle)
	if err != nil {
		return fmt.Errorf("poll worker alive: %w", err)
	}
	if alive {
		return nil
	}

	todoIndex := ps.Running.TodoIndex
	startedAt := time.UnixMilli(ps.Running.StartedAt)
	result, err := r.Result(ctx, ps.Running.Handle)
	if err != nil {
		ps.Running = nil
		return fmt.Errorf("fetch worker result: %w", err)
	}
	ps.Running = nil
	d.recordStageRun(planID, "worker", todoIndex, ps.TodoRetryCount, result, startedAt)

	reparsed, err := d.collab.PlanDoc.Load(ctx, ps.WorktreePath, planID)
	if err != nil {
		return fmt.Errorf("re-parse plan doc: %w", err)
	}
	var stillPending bool
	var todoText string
	for _, t := range reparsed.Todos {
		if t.Index == todoIndex {
			todoText = t.Text
			stillPending = !t.Done
			break
		}
	}

	// Pre-emptive retry tracking (spec.md §4.3): a worker attempt that
	// leaves the same TODO unchecked counts as a retry of that index; a
	// worker attempt that lands on a new index resets the counter.
	if ps.LastTodoIndex == todoIndex {
		if !stillPending {
			ps.LastTodoIndex = todoIndex
			ps.TodoRetryCount = 0
			return d.commitTodo(ctx, planID, ps, todoIndex, todoText)
		}
		ps.TodoRetryCount++
		ps.LastWorkerLogTail = tailLines(result.LogTail, 40)
		if ps.TodoRetryCount >= maxTodoRetries {
			ps.Blocked = true
			ps.LastError = fmt.Sprintf("TODO #%d failed %d times: %s", todoIndex, ps.TodoRetryCount, ps.LastWorkerLogTail)
		}
		return nil
	}

	ps.LastTodoIndex = todoIndex
	ps.TodoRetryCount = 0
	if stillPending {
		ps.LastWorkerLogTail = tailLines(result.LogTail, 40)
		return nil
	}
	return d.commitTodo(ctx, planID, ps, todoIndex, todoText)
}

// commitTodo lands the worker's changes (spec.md §4.1 finding 3) and
// either launches the optional commit-review gate or settles the TODO
// directly.
func (d *Dispatcher) commitTodo(ctx context.Context, planID string, ps *planstate.PlanState, todoIndex int, todoText string) error {
	ps.LastWorkerLogTail = ""

	commitMsg := fmt.Sprintf("[prloom] %s: task #%d", planID, todoIndex)
	if err := d.collab.VCS.Commit(ctx, ps.WorktreePath, commitMsg); err != nil {
		return fmt.Errorf("commit worker changes: %w", err)
	}
	if err := d.collab.VCS.Push(ctx, ps.WorktreePath, ps.Branch); err != nil {
		return fmt.Errorf("push worker changes: %w", err)
	}

	cfg := d.cfg()
	if cfg != nil && cfg.CommitReview.Enabled {
		prompt := fmt.Sprintf(
			"Review the commit just made for task #%d: %q. If the change is unacceptable, "+
				"uncheck this TODO's checkbox in the plan markdown; otherwise leave it checked.",
			todoIndex, todoText,
		)
		model := cfg.CommitReview.Model
		if model == "" {
			model = d.agentFor("commitReview", ps.AgentOverride)
		}
		r := d.runnerFor(string(runner.StageCommitReview))
		handle, err := r.Start(ctx, ps.WorktreePath, runner.StageCommitReview, fixedAgentCommand, model, prompt)
		if err != nil {
			return fmt.Errorf("start commit review gate: %w", err)
		}
		ps.Running = &planstate.RunningHandle{Stage: "commitReview", Handle: handle, TodoIndex: todoIndex, StartedAt: nowMillis()}
		return nil
	}

	return d.afterTodoSettled(ctx, planID, ps, todoIndex)
}

func (d *Dispatcher) continueCommitReviewRun(ctx context.Context, planID string, ps *planstate.PlanState) error {
	r := d.runnerFor(string(runner.StageCommitReview))
	alive, err := r.Alive(ctx, ps.Running.Handle)
	if err != nil {
		return fmt.Errorf("poll commit review alive: %w", err)
	}
	if alive {
		return nil
	}

	todoIndex := ps.Running.TodoIndex
	startedAt := time.UnixMilli(ps.Running.StartedAt)
	result, err := r.Result(ctx, ps.Running.Handle)
	if err != nil {
		ps.Running = nil
		return fmt.Errorf("fetch commit review result: %w", err)
	}
	ps.Running = nil
	d.recordStageRun(planID, "commitReview", todoIndex, ps.CommitReview.Loops, result, startedAt)

	reparsed, err := d.collab.PlanDoc.Load(ctx, ps.WorktreePath, planID)
	if err != nil {
		return fmt.Errorf("re-parse plan doc after commit review: %w", err)
	}
	var rejected bool
	for _, t := range reparsed.Todos {
		if t.Index == todoIndex {
			rejected = !t.Done
			break
		}
	}

	if rejected {
		ps.CommitReview.Loops++
		ps.CommitReview.Verdict = "reject"
		maxLoops := defaultCommitReviewLoops
		if cfg := d.cfg(); cfg != nil && cfg.CommitReview.MaxLoops > 0 {
			maxLoops = cfg.CommitReview.MaxLoops
		}
		if ps.CommitReview.Loops >= maxLoops {
			ps.Blocked = true
			ps.LastError = fmt.Sprintf("commit review gate rejected task #%d %d times", todoIndex, ps.CommitReview.Loops)
		}
		// The gate un-checked the TODO; the worker step picks it up again
		// as the plan's next-unchecked item on a later tick.
		return nil
	}

	ps.CommitReview = planstate.CommitReviewAttempt{}
	return d.afterTodoSettled(ctx, planID, ps, todoIndex)
}

// afterTodoSettled runs once a TODO's commit (and optional gate) has
// definitively landed: it honors requireManualResume, refreshes the CR
// body, fires afterTodo, and routes to finishPlan if nothing remains.
func (d *Dispatcher) afterTodoSettled(ctx context.Context, planID string, ps *planstate.PlanState, todoIndex int) error {
	if cfg := d.cfg(); cfg != nil && cfg.CommitReview.Enabled && cfg.CommitReview.RequireManualResume {
		ps.Status = planstate.StatusPaused
		return nil
	}

	plan, err := d.collab.PlanDoc.Load(ctx, ps.WorktreePath, planID)
	if err != nil {
		return fmt.Errorf("re-parse plan doc for body update: %w", err)
	}

	if d.collab.Review != nil && ps.CRReference != "" {
		if err := d.collab.Review.UpdateBody(ctx, ps.WorktreePath, ps.CRReference, plan.Body); err != nil {
			d.logger.Error("dispatcher: update CR body", "plan", planID, "error", err)
		}
	}

	d.fireHook(ctx, hook.PointAfterTodo, planID, plan, ps, todoIndex)

	if plan.AllDone() {
		return d.finishPlan(ctx, planID, ps, plan)
	}
	return nil
}

// finishPlan fires beforeFinish (which a plugin may use to append more
// TODOs and keep the plan active — spec.md §8 scenario S3), re-checks for
// newly appended work, and otherwise transitions the plan into review.
func (d *Dispatcher) finishPlan(ctx context.Context, planID string, ps *planstate.PlanState, plan planstate.PlanDocument) error {
	d.fireHook(ctx, hook.PointBeforeFinish, planID, plan, ps, -1)

	reloaded, err := d.collab.PlanDoc.Load(ctx, ps.WorktreePath, planID)
	if err != nil {
		return fmt.Errorf("re-parse plan doc after beforeFinish: %w", err)
	}
	if _, hasNext := reloaded.NextUnchecked(); hasNext {
		return nil
	}

	d.applyTransition(planID, ps, planstate.StatusReview, "all todos done")
	if d.collab.Review != nil && ps.CRReference != "" {
		if err := d.collab.Review.MarkReady(ctx, ps.WorktreePath, ps.CRReference); err != nil {
			d.logger.Error("dispatcher: mark CR ready", "plan", planID, "error", err)
		}
	}
	d.fireHook(ctx, hook.PointAfterFinish, planID, reloaded, ps, -1)
	return nil
}

// recordStageRun extracts token usage from the stage's output and appends
// it to the history ledger, if one is wired (spec.md §4.3).
func (d *Dispatcher) recordStageRun(planID, stage string, todoIndex, attempt int, result collab.RunResult, startedAt time.Time) {
	if d.history == nil {
		return
	}
	usage := cost.ExtractTokenUsage(result.LogTail, "")
	var inputPrice, outputPrice float64
	if cfg := d.cfg(); cfg != nil {
		inputPrice = cfg.History.InputPriceMtok
		outputPrice = cfg.History.OutputPriceMtok
	}
	run := history.StageRun{
		PlanID:       planID,
		Stage:        stage,
		TodoIndex:    todoIndex,
		Attempt:      attempt,
		ExitCode:     result.ExitCode,
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		CostUSD:      cost.CalculateCost(usage, inputPrice, outputPrice),
		StartedAt:    startedAt,
		FinishedAt:   time.Now(),
	}
	if err := d.history.RecordStageRun(run); err != nil {
		d.logger.Error("dispatcher: record stage run", "plan", planID, "stage", stage, "error", err)
	}
}
