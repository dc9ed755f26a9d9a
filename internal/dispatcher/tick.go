package dispatcher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prloom/prloom/internal/bus"
	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/hook"
	"github.com/prloom/prloom/internal/planstate"
	"github.com/prloom/prloom/internal/statestore"
)

// Tick runs one full dispatch cycle: merge external state, drain control
// commands, poll bridges, ingest inbox plans and bus events, then
// advance every non-blocked plan one step (spec.md §4.1).
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.store.Load()
	if err != nil {
		return fmt.Errorf("dispatcher: load state: %w", err)
	}
	d.mergeExternalState(doc)

	if err := d.drainControl(doc); err != nil {
		return fmt.Errorf("dispatcher: drain control: %w", err)
	}

	if d.bridges != nil {
		if err := d.bridges.Tick(ctx); err != nil {
			d.logger.Warn("dispatcher: bridge tick error", "error", err)
		}
	}

	if err := d.ingestInboxPlans(ctx); err != nil {
		d.logger.Error("dispatcher: ingest inbox", "error", err)
	}

	if err := d.ingestEvents(); err != nil {
		return fmt.Errorf("dispatcher: ingest events: %w", err)
	}

	for planID, state := range d.plans {
		if planstate.IsBlocking(state) {
			continue
		}
		if err := d.advancePlan(ctx, planID, state); err != nil {
			d.logger.Error("dispatcher: advance plan failed", "plan", planID, "error", err)
			state.LastError = err.Error()
		}
	}

	doc.Plans = d.plans
	return d.store.Save(doc)
}

// mergeExternalState unions the freshly loaded disk document into the
// live in-memory plan set, preferring in-memory transient fields
// (Running, LastTodoIndex, TodoRetryCount, CommitReview) and lifting
// Status from disk only through a legal forward transition (spec.md
// §4.1 step 1).
func (d *Dispatcher) mergeExternalState(doc *statestore.Document) {
	if d.plans == nil {
		d.plans = map[string]*planstate.PlanState{}
	}
	for id, disk := range doc.Plans {
		mem, exists := d.plans[id]
		if !exists {
			d.plans[id] = disk
			continue
		}

		running := mem.Running
		lastTodoIndex := mem.LastTodoIndex
		todoRetryCount := mem.TodoRetryCount
		commitReview := mem.CommitReview
		lastLog := mem.LastWorkerLogTail
		status := mem.Status
		if planstate.CanTransition(mem.Status, disk.Status) {
			status = disk.Status
		}

		*mem = *disk
		mem.PlanID = id
		mem.Status = status
		mem.Running = running
		mem.LastTodoIndex = lastTodoIndex
		mem.TodoRetryCount = todoRetryCount
		mem.CommitReview = commitReview
		mem.LastWorkerLogTail = lastLog
	}
	// Plans created in memory this run (inbox ingestion) but not yet
	// persisted when this tick's doc was loaded are left untouched; the
	// next Tick's Save call writes them out before any later Load could
	// otherwise race past them.
}

func (d *Dispatcher) drainControl(doc *statestore.Document) error {
	cmds, newOffset, err := statestore.ReadControlSince(d.store.ControlPath(), doc.ControlCursor)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		d.applyControl(cmd)
	}
	doc.ControlCursor = newOffset
	return nil
}

// applyControl applies one operator/bridge control command to its
// addressed plan, per spec.md §4.1's command table.
func (d *Dispatcher) applyControl(cmd statestore.ControlCommand) {
	state, ok := d.plans[cmd.PlanID]
	if !ok {
		d.logger.Warn("dispatcher: control command for unknown plan", "plan", cmd.PlanID, "verb", cmd.Verb)
		return
	}

	switch cmd.Verb {
	case "stop":
		state.Blocked = true
	case "unpause":
		state.Blocked = false
		state.TodoRetryCount = 0
	case "poll":
		state.PollOnce = true
	case "launch_poll":
		state.LastPolledAtMs = 0
	case "review":
		if state.Status == planstate.StatusReview {
			state.PendingReview = true
		} else {
			d.logger.Warn("dispatcher: review command on plan not in review status", "plan", cmd.PlanID, "status", state.Status)
		}
	case "activate":
		if state.Status == planstate.StatusDraft {
			d.applyTransition(cmd.PlanID, state, planstate.StatusQueued, "control: activate")
		}
	default:
		d.logger.Warn("dispatcher: unknown control verb", "verb", cmd.Verb)
	}
}

// applyTransition moves state to `to`, logging but not failing on an
// illegal edge, and records the transition to history if wired (spec.md
// §4.2, §2 domain stack history ledger).
func (d *Dispatcher) applyTransition(planID string, state *planstate.PlanState, to planstate.Status, detail string) {
	from := state.Status
	if err := planstate.Apply(state, to); err != nil {
		d.logger.Warn("dispatcher: illegal transition requested", "plan", planID, "error", err)
		return
	}
	if d.history != nil {
		if err := d.history.RecordTransition(planID, string(from), string(to), detail); err != nil {
			d.logger.Error("dispatcher: record transition", "plan", planID, "error", err)
		}
	}
}

// ingestEvents reads new bus events, deduplicates them against the
// dispatcher's processed-ID set, and fires the onEvent hook point for
// each one (spec.md §4.4, §4.6, §8 scenario S4). The hook's Decision is
// not consulted here: every new event id is recorded as processed and the
// events offset advances past it, so an event a plugin defers stays
// listed in DeferredEventIDs but is not offered to the hooks again.
func (d *Dispatcher) ingestEvents() error {
	dispatcherState, err := d.bus.LoadDispatcherState()
	if err != nil {
		return err
	}

	events, newOffset, err := d.bus.ReadNewEvents(dispatcherState.EventsOffset)
	if err != nil {
		return err
	}

	seen := bus.NewProcessedSet(dispatcherState.ProcessedEventIDs)
	fresh := bus.DeduplicateEvents(events, seen)

	for i := range fresh {
		ev := fresh[i]
		if d.hooks == nil {
			continue
		}
		hc := hook.NewContext(context.Background(), d.bus, "", nil, "", nil)
		hc.Event = &ev
		if _, err := d.hooks.Fire(context.Background(), hook.PointOnEvent, hc, ev.ID); err != nil {
			d.logger.Error("dispatcher: onEvent hook failed", "event", ev.ID, "error", err)
		}
	}

	// The hook runtime saves deferrals itself; keep them rather than
	// overwriting them with the copy loaded before the hooks ran.
	if latest, err := d.bus.LoadDispatcherState(); err == nil {
		dispatcherState.DeferredEventIDs = latest.DeferredEventIDs
	}
	dispatcherState.EventsOffset = newOffset
	dispatcherState.ProcessedEventIDs = bus.PruneProcessedIDs(seen.IDs(), 1000)
	return d.bus.SaveDispatcherState(dispatcherState)
}

// advancePlan moves one plan forward by exactly one step, following the
// per-plan advancement sequence of spec.md §4.1.
func (d *Dispatcher) advancePlan(ctx context.Context, planID string, ps *planstate.PlanState) error {
	// Step 1: draft/queued plans are handled entirely by inbox ingestion.
	if ps.Status == planstate.StatusDraft || ps.Status == planstate.StatusQueued {
		return nil
	}

	// Step 2: a plan whose worktree has vanished underneath it is warned
	// about and skipped rather than advanced.
	if ps.WorktreePath == "" {
		return nil
	}
	if _, err := os.Stat(ps.WorktreePath); err != nil {
		d.logger.Warn("dispatcher: plan worktree missing", "plan", planID, "path", ps.WorktreePath)
		return nil
	}

	// Step 4: a plan mid-way through triage or review only has that stage
	// polled this tick (paused and blocked plans are skipped by Tick and
	// never reach here).
	if ps.Status == planstate.StatusTriaging || ps.Status == planstate.StatusReviewing {
		return d.pollRunningStage(ctx, planID, ps)
	}

	// Step 5: an explicit `review` control command on a plan already
	// sitting in `review` status launches the review runner immediately.
	if ps.PendingReview && ps.Status == planstate.StatusReview {
		ps.PendingReview = false
		return d.startReviewStep(ctx, planID, ps)
	}

	// Step 6/7: feedback poll decision, CR terminal-state check (reusing
	// the same poll cadence to avoid hammering the review API every
	// tick), and triage dispatch when new feedback arrived.
	decision := planstate.GetFeedbackPollDecision(nowMillis(), d.feedbackPollIntervalMs(), ps.LastPolledAtMs, ps.PollOnce)
	launchedTriage := false
	if decision.ShouldPoll && d.collab.Review != nil && ps.CRReference != "" {
		// Step 3 (per-advance half): delete plans whose CR already
		// reached a terminal state.
		if crState, err := d.collab.Review.GetState(ctx, ps.WorktreePath, ps.CRReference); err == nil {
			if crState == collab.CRStateMerged || crState == collab.CRStateClosed {
				delete(d.plans, planID)
				return nil
			}
		}

		hasNew, err := d.pollFeedback(ctx, ps)
		if err != nil {
			return fmt.Errorf("poll feedback: %w", err)
		}
		if hasNew && ps.Status == planstate.StatusActive {
			if err := d.startTriageStep(ctx, planID, ps); err != nil {
				return err
			}
			launchedTriage = true
		}
	}
	if decision.ClearPollOnce {
		ps.PollOnce = false
	}
	if decision.ShouldUpdateLastPoll {
		ps.LastPolledAtMs = nowMillis()
	}

	// A triage agent launched above is first polled on the next tick.
	if launchedTriage {
		return nil
	}

	// Step 8: execute (or poll) the current stage's subprocess.
	return d.pollRunningStage(ctx, planID, ps)
}

// pollRunningStage dispatches to whichever stage this plan's status (or
// in-flight Running handle) currently needs.
func (d *Dispatcher) pollRunningStage(ctx context.Context, planID string, ps *planstate.PlanState) error {
	if ps.Running != nil {
		switch ps.Running.Stage {
		case "triage":
			return d.pollTriageStep(ctx, planID, ps)
		case "review":
			return d.pollReviewStep(ctx, planID, ps)
		case "worker", "commitReview":
			return d.pollWorkerStep(ctx, planID, ps)
		}
	}

	switch ps.Status {
	case planstate.StatusActive:
		return d.pollWorkerStep(ctx, planID, ps)
	case planstate.StatusTriaging:
		return d.pollTriageStep(ctx, planID, ps)
	case planstate.StatusReviewing:
		return d.pollReviewStep(ctx, planID, ps)
	}
	return nil
}

func (d *Dispatcher) pollFeedback(ctx context.Context, ps *planstate.PlanState) (hasNew bool, err error) {
	var botLogin string
	if login, err := d.collab.Review.BotLogin(ctx, ps.WorktreePath); err == nil {
		botLogin = login
	}

	comments, err := d.collab.Review.CommentsSince(ctx, ps.WorktreePath, ps.CRReference, ps.CommentsCursor)
	if err != nil {
		return false, err
	}
	for _, c := range comments {
		if c.CreatedAt > ps.CommentsCursor {
			ps.CommentsCursor = c.CreatedAt
		}
		if c.Author != botLogin {
			hasNew = true
		}
	}

	reviews, err := d.collab.Review.ReviewsSince(ctx, ps.WorktreePath, ps.CRReference, ps.ReviewsCursor)
	if err != nil {
		return false, err
	}
	for _, r := range reviews {
		if r.SubmittedAt > ps.ReviewsCursor {
			ps.ReviewsCursor = r.SubmittedAt
		}
		if r.Author != botLogin {
			hasNew = true
		}
	}

	inline, err := d.collab.Review.InlineCommentsSince(ctx, ps.WorktreePath, ps.CRReference, ps.InlineCommentsCursor)
	if err != nil {
		return false, err
	}
	for _, c := range inline {
		if c.CreatedAt > ps.InlineCommentsCursor {
			ps.InlineCommentsCursor = c.CreatedAt
		}
		if c.Author != botLogin {
			hasNew = true
		}
	}

	return hasNew, nil
}

// fireHook invokes the hook runtime at point. A plugin error does not
// fail the tick: it is logged and blocks the plan, with LastError set to
// "Hook error: ..." (spec.md §4.6).
func (d *Dispatcher) fireHook(ctx context.Context, point hook.Point, planID string, plan planstate.PlanDocument, state *planstate.PlanState, todoIndex int) hook.Decision {
	if d.hooks == nil {
		return hook.Decision{}
	}
	hc := hook.NewContext(ctx, d.bus, "", d.collab.PlanDoc, state.WorktreePath, nil)
	hc.PlanID = planID
	hc.Plan = plan
	hc.State = state
	hc.TodoIndex = todoIndex
	decision, err := d.hooks.Fire(ctx, point, hc, "")
	if err != nil {
		d.logger.Error("dispatcher: hook failed", "point", point, "plan", planID, "error", err)
		state.Blocked = true
		state.LastError = fmt.Sprintf("Hook error: %v", err)
	}
	return decision
}

const defaultPollIntervalMs = 60_000

// feedbackPollIntervalMs reads the configured GitHub feedback poll
// interval, falling back to defaultPollIntervalMs when no config manager
// is wired (e.g. in unit tests) or none is configured.
func (d *Dispatcher) feedbackPollIntervalMs() int64 {
	cfg := d.cfg()
	if cfg == nil || cfg.GithubPollInterval.Duration <= 0 {
		return defaultPollIntervalMs
	}
	return cfg.GithubPollInterval.Milliseconds()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func tailLines(s string, n int) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
