package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prloom/prloom/internal/bus"
	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/planstate"
	"github.com/prloom/prloom/internal/statestore"
)

func writeTriageResult(worktreePath string, tr triageResult) error {
	path := resultPath(worktreePath, "triage")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// fakeAdapter is a fire-and-observe AgentAdapter stub: Start never
// blocks, Alive reports done on the very next poll, and Result replays
// whatever outcome the test configured.
type fakeAdapter struct {
	exitCode int
	logTail  string
	starts   int
}

func (f *fakeAdapter) Start(ctx context.Context, worktreePath, stage, agentCommand, prompt string) (string, error) {
	f.starts++
	return "handle-1", nil
}
func (f *fakeAdapter) Alive(ctx context.Context, handle string) (bool, error) { return false, nil }
func (f *fakeAdapter) Result(ctx context.Context, handle string) (collab.RunResult, error) {
	return collab.RunResult{ExitCode: f.exitCode, LogTail: f.logTail}, nil
}
func (f *fakeAdapter) Stop(ctx context.Context, handle string) error { return nil }

type fakePlanDoc struct {
	doc        planstate.PlanDocument
	doneIdx    []int
	blockedIdx []int
}

func (f *fakePlanDoc) Load(ctx context.Context, worktreePath, planID string) (planstate.PlanDocument, error) {
	return f.doc, nil
}
func (f *fakePlanDoc) MarkDone(ctx context.Context, worktreePath, planID string, todoIndex int) error {
	f.doneIdx = append(f.doneIdx, todoIndex)
	for i := range f.doc.Todos {
		if f.doc.Todos[i].Index == todoIndex {
			f.doc.Todos[i].Done = true
		}
	}
	return nil
}
func (f *fakePlanDoc) MarkBlocked(ctx context.Context, worktreePath, planID string, todoIndex int, reason string) error {
	f.blockedIdx = append(f.blockedIdx, todoIndex)
	return nil
}
func (f *fakePlanDoc) AppendContext(ctx context.Context, worktreePath, planID string, todoIndex int, note string) error {
	return nil
}
func (f *fakePlanDoc) AddTodos(ctx context.Context, worktreePath, planID string, texts []string) error {
	for _, text := range texts {
		f.doc.Todos = append(f.doc.Todos, planstate.TODO{Index: len(f.doc.Todos), Text: text})
	}
	return nil
}

type fakeVCS struct {
	worktree string
	commits  []string
	pushed   []string
}

func (f *fakeVCS) EnsureWorktree(ctx context.Context, worktreesDir, branch, baseBranch string) (string, error) {
	return f.worktree, nil
}
func (f *fakeVCS) CurrentBranch(ctx context.Context, worktreePath string) (string, error) { return "prloom/p1", nil }
func (f *fakeVCS) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	return false, nil
}
func (f *fakeVCS) Commit(ctx context.Context, worktreePath, message string) error {
	f.commits = append(f.commits, message)
	return nil
}
func (f *fakeVCS) CommitEmpty(ctx context.Context, worktreePath, message string) error {
	f.commits = append(f.commits, message)
	return nil
}
func (f *fakeVCS) Push(ctx context.Context, worktreePath, branch string) error {
	f.pushed = append(f.pushed, branch)
	return nil
}
func (f *fakeVCS) PushForce(ctx context.Context, worktreePath, branch string) error {
	return f.Push(ctx, worktreePath, branch)
}
func (f *fakeVCS) Rebase(ctx context.Context, worktreePath, branch, baseBranch string) (collab.RebaseResult, error) {
	return collab.RebaseResult{Success: true}, nil
}
func (f *fakeVCS) Merge(ctx context.Context, repoPath, branch, baseBranch, strategy string) error {
	return nil
}
func (f *fakeVCS) RemoveWorktree(ctx context.Context, worktreePath string) error { return nil }

type fakeReview struct {
	comments    []collab.Comment
	reviews     []collab.Review
	inline      []collab.Comment
	state       string
	markedReady bool
	verdicts    []string
}

func (f *fakeReview) Open(ctx context.Context, repoPath, branch, baseBranch, title, body string) (string, error) {
	return "pr-1", nil
}
func (f *fakeReview) UpdateBody(ctx context.Context, repoPath, reference, body string) error {
	return nil
}
func (f *fakeReview) MarkReady(ctx context.Context, repoPath, reference string) error {
	f.markedReady = true
	return nil
}
func (f *fakeReview) GetState(ctx context.Context, repoPath, reference string) (string, error) {
	if f.state == "" {
		return collab.CRStateOpen, nil
	}
	return f.state, nil
}
func (f *fakeReview) Status(ctx context.Context, repoPath, reference string) (string, error) {
	return "open", nil
}
func (f *fakeReview) CommentsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]collab.Comment, error) {
	return f.comments, nil
}
func (f *fakeReview) ReviewsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]collab.Review, error) {
	return f.reviews, nil
}
func (f *fakeReview) InlineCommentsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]collab.Comment, error) {
	return f.inline, nil
}
func (f *fakeReview) PostComment(ctx context.Context, repoPath, reference, body string) error {
	return nil
}
func (f *fakeReview) SubmitReview(ctx context.Context, repoPath, reference, verdict, summary string, comments []collab.InlineComment) error {
	f.verdicts = append(f.verdicts, verdict)
	return nil
}
func (f *fakeReview) Merge(ctx context.Context, repoPath, reference, strategy string) error {
	return nil
}
func (f *fakeReview) BotLogin(ctx context.Context, repoPath string) (string, error) {
	return "prloom-bot", nil
}

func newTestDispatcher(t *testing.T, planDoc *fakePlanDoc, vcs *fakeVCS, adapter collab.AgentAdapter, review collab.ReviewProvider) (*Dispatcher, *statestore.Store, *bus.Manager) {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	busManager, err := bus.NewManager(t.TempDir())
	require.NoError(t, err)

	d := New(nil, busManager, store, Collaborators{
		VCS:      vcs,
		Review:   review,
		PlanDoc:  planDoc,
		Adapters: map[string]collab.AgentAdapter{"": adapter},
	}, nil, nil, nil, nil)
	return d, store, busManager
}

// newActivePlan returns a fresh active plan rooted at an existing
// worktree directory so advancePlan's worktree-presence check passes.
func newActivePlan(t *testing.T, planID string) *planstate.PlanState {
	t.Helper()
	state := planstate.New(planID)
	state.Status = planstate.StatusActive
	state.WorktreePath = t.TempDir()
	state.Branch = "prloom/" + planID
	return state
}

func TestTickStartsThenSettlesOneTodoAndMovesToReview(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{
		ID:    "p1",
		Todos: []planstate.TODO{{Index: 0, Text: "write code"}},
	}}
	vcs := &fakeVCS{}
	review := &fakeReview{}
	d, store, _ := newTestDispatcher(t, planDoc, vcs, &fakeAdapter{exitCode: 0}, review)

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1")
	state.CRReference = "pr-1"
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	// Tick 1: launches the worker for TODO #0; nothing has landed yet.
	require.NoError(t, d.Tick(context.Background()))
	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, planstate.StatusActive, reloaded.Plans["p1"].Status)
	require.Empty(t, vcs.commits)

	// The worker agent "finishes" by checking off the TODO in plan markdown.
	planDoc.doc.Todos[0].Done = true

	// Tick 2: the run is no longer alive, so its result is fetched, the
	// markdown is re-parsed (not the exit code), and the commit lands.
	require.NoError(t, d.Tick(context.Background()))
	reloaded, err = store.Load()
	require.NoError(t, err)
	require.NotEmpty(t, vcs.commits)
	require.NotEmpty(t, vcs.pushed)
	require.Equal(t, planstate.StatusReview, reloaded.Plans["p1"].Status)
	require.True(t, review.markedReady)
}

func TestTickRetriesWhenTodoStillUnchecked(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{
		ID:    "p1",
		Todos: []planstate.TODO{{Index: 0, Text: "fails silently"}},
	}}
	vcs := &fakeVCS{}
	d, store, _ := newTestDispatcher(t, planDoc, vcs, &fakeAdapter{exitCode: 0}, &fakeReview{})

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1")
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	// Each failed attempt costs two ticks (start, then settle-and-reparse);
	// the first settle only primes LastTodoIndex, so it takes
	// maxTodoRetries+1 attempts before the plan blocks.
	for i := 0; i < 2*(maxTodoRetries+1); i++ {
		require.NoError(t, d.Tick(context.Background()))
	}

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.True(t, reloaded.Plans["p1"].Blocked)
	require.Empty(t, vcs.commits, "a TODO that never gets checked off must never be committed")
}

func TestTickSkipsBlockedAndPausedPlans(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{
		ID:    "p1",
		Todos: []planstate.TODO{{Index: 0, Text: "should not run"}},
	}}
	d, store, _ := newTestDispatcher(t, planDoc, &fakeVCS{}, &fakeAdapter{exitCode: 0}, &fakeReview{})

	doc, err := store.Load()
	require.NoError(t, err)
	paused := newActivePlan(t, "paused-plan")
	paused.Status = planstate.StatusPaused
	doc.Plans["paused-plan"] = paused
	blocked := newActivePlan(t, "blocked-plan")
	blocked.Blocked = true
	doc.Plans["blocked-plan"] = blocked
	require.NoError(t, store.Save(doc))

	require.NoError(t, d.Tick(context.Background()))

	require.Empty(t, planDoc.doneIdx)
}

func TestTickStopControlCommandBlocksWithoutChangingStatus(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{ID: "p1"}}
	d, store, _ := newTestDispatcher(t, planDoc, &fakeVCS{}, &fakeAdapter{exitCode: 0}, &fakeReview{})

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1")
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	require.NoError(t, store.AppendControl(statestore.ControlCommand{ID: "c1", PlanID: "p1", Verb: "stop"}))

	require.NoError(t, d.Tick(context.Background()))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.True(t, reloaded.Plans["p1"].Blocked)
	require.Equal(t, planstate.StatusActive, reloaded.Plans["p1"].Status, "stop must only set blocked, never change status")
	require.Positive(t, reloaded.ControlCursor)
}

func TestTickUnpauseClearsBlockedAndRetryCount(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{ID: "p1"}}
	d, store, _ := newTestDispatcher(t, planDoc, &fakeVCS{}, &fakeAdapter{exitCode: 0}, &fakeReview{})

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1")
	state.Blocked = true
	state.TodoRetryCount = 3
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	require.NoError(t, store.AppendControl(statestore.ControlCommand{ID: "c1", PlanID: "p1", Verb: "unpause"}))
	require.NoError(t, d.Tick(context.Background()))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.False(t, reloaded.Plans["p1"].Blocked)
	require.Equal(t, 0, reloaded.Plans["p1"].TodoRetryCount)
}

func TestTickReviewControlCommandOnlySetsFlagWhenInReviewStatus(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{ID: "p1"}}
	d, store, _ := newTestDispatcher(t, planDoc, &fakeVCS{}, &fakeAdapter{exitCode: 0}, &fakeReview{})

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1") // status == active, not review
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	require.NoError(t, store.AppendControl(statestore.ControlCommand{ID: "c1", PlanID: "p1", Verb: "review"}))
	require.NoError(t, d.Tick(context.Background()))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.False(t, reloaded.Plans["p1"].PendingReview, "review command on a non-review-status plan must warn, not set the flag")
}

func TestTickActivatesDraftPlanToQueuedOnly(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{ID: "p1"}}
	d, store, _ := newTestDispatcher(t, planDoc, &fakeVCS{}, &fakeAdapter{exitCode: 0}, &fakeReview{})

	doc, err := store.Load()
	require.NoError(t, err)
	draft := planstate.New("p1")
	doc.Plans["p1"] = draft
	require.NoError(t, store.Save(doc))

	require.NoError(t, store.AppendControl(statestore.ControlCommand{ID: "c1", PlanID: "p1", Verb: "activate"}))
	require.NoError(t, d.Tick(context.Background()))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, planstate.StatusQueued, reloaded.Plans["p1"].Status)
}

func TestTickDeletesPlanWhenCRReachesTerminalState(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{ID: "p1"}}
	review := &fakeReview{state: collab.CRStateMerged}
	d, store, _ := newTestDispatcher(t, planDoc, &fakeVCS{}, &fakeAdapter{exitCode: 0}, review)

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1")
	state.CRReference = "pr-1"
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	require.NoError(t, d.Tick(context.Background()))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.NotContains(t, reloaded.Plans, "p1")
}

func TestTickTriagesOnNewFeedbackThenReturnsToActive(t *testing.T) {
	planDoc := &fakePlanDoc{doc: planstate.PlanDocument{ID: "p1"}}
	review := &fakeReview{
		comments: []collab.Comment{{ID: "c1", Author: "human", Body: "please fix x", CreatedAt: 500}},
	}
	vcs := &fakeVCS{}
	d, store, _ := newTestDispatcher(t, planDoc, vcs, &fakeAdapter{exitCode: 0}, review)

	doc, err := store.Load()
	require.NoError(t, err)
	state := newActivePlan(t, "p1")
	state.CRReference = "pr-1"
	doc.Plans["p1"] = state
	require.NoError(t, store.Save(doc))

	// Tick 1: feedback is observed, triage launches.
	require.NoError(t, d.Tick(context.Background()))
	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, planstate.StatusTriaging, reloaded.Plans["p1"].Status)
	require.Equal(t, int64(500), reloaded.Plans["p1"].CommentsCursor)

	// Triage agent writes its result.
	require.NoError(t, writeTriageResult(state.WorktreePath, triageResult{ReplyMarkdown: "fixed"}))

	// Tick 2: triage settles, plan returns to active.
	require.NoError(t, d.Tick(context.Background()))
	reloaded, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, planstate.StatusActive, reloaded.Plans["p1"].Status)
}
