// Package collab defines the abstract collaborator interfaces the core
// dispatcher depends on instead of a concrete hosting platform (spec.md
// §6: "the core never imports a concrete forge/VCS/agent package
// directly"). Reference implementations live in sibling packages
// (shellvcs, ghreview), in internal/planmd, and under internal/adapter
// (subprocadapter, dockeradapter, tmuxadapter, durableadapter).
package collab

import (
	"context"

	"github.com/prloom/prloom/internal/planstate"
)

// RebaseResult is what VCS.Rebase reports (spec.md §6 VCS surface).
type RebaseResult struct {
	Success       bool
	HasConflicts  bool
	ConflictFiles []string
}

// VCS is the minimal version-control surface the dispatcher needs to
// stand up a worktree, inspect it, and land a result (spec.md §6: create
// branch, create worktree, commit-all, commit-empty, push, force-push,
// rebase-on-base, resolve CR URL).
type VCS interface {
	// EnsureWorktree creates (or reuses) a worktree for branch, checked
	// out from baseBranch, rooted under worktreesDir.
	EnsureWorktree(ctx context.Context, worktreesDir, branch, baseBranch string) (path string, err error)
	CurrentBranch(ctx context.Context, worktreePath string) (string, error)
	HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error)
	Commit(ctx context.Context, worktreePath, message string) error
	// CommitEmpty records a commit with no file changes (spec.md §4.1
	// step 3's inbox-ingestion seed commit).
	CommitEmpty(ctx context.Context, worktreePath, message string) error
	Push(ctx context.Context, worktreePath, branch string) error
	// PushForce force-pushes branch, used after a triage-requested
	// rebase (spec.md §4.3 Triage step).
	PushForce(ctx context.Context, worktreePath, branch string) error
	// Rebase replays branch onto the tip of baseBranch, reporting
	// conflicts rather than leaving the worktree mid-rebase.
	Rebase(ctx context.Context, worktreePath, branch, baseBranch string) (RebaseResult, error)
	// Merge lands branch into baseBranch using the given strategy
	// ("merge" | "squash" | "rebase"). Returns ErrMergeConflict on a
	// real conflict so callers can route to a blocked state.
	Merge(ctx context.Context, repoPath, branch, baseBranch, strategy string) error
	RemoveWorktree(ctx context.Context, worktreePath string) error
}

// Comment is one item of reviewer/human feedback surfaced through a
// ReviewProvider (spec.md §4.1 step 6, §3 feedback cursors).
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt int64 // unix millis, used against the plan's feedback cursor
	Inline    bool
	Path      string
	Line      int
}

// Review is a single review submission (approve/request-changes/comment).
type Review struct {
	ID          string
	Author      string
	State       string // "APPROVED" | "CHANGES_REQUESTED" | "COMMENTED"
	Body        string
	SubmittedAt int64
}

// InlineComment is one comment attached to a specific file/line of a
// submitted review (spec.md §6: "submit review (atomic, with inline
// comments)").
type InlineComment struct {
	Path string
	Line int
	Body string
}

// CR state constants returned by ReviewProvider.GetState (spec.md §6).
const (
	CRStateOpen   = "open"
	CRStateDraft  = "draft"
	CRStateMerged = "merged"
	CRStateClosed = "closed"
)

// ReviewProvider is the hosted-review surface a plan's CRReference
// points into (spec.md §3, §6).
type ReviewProvider interface {
	// Open creates a draft CR for branch against baseBranch and returns
	// its reference.
	Open(ctx context.Context, repoPath, branch, baseBranch, title, body string) (reference string, err error)
	// UpdateBody rewrites the CR's description, used after every
	// worker commit to keep the CR in sync with plan progress.
	UpdateBody(ctx context.Context, repoPath, reference, body string) error
	// MarkReady promotes a draft CR to ready-for-review.
	MarkReady(ctx context.Context, repoPath, reference string) error
	// GetState returns one of CRStateOpen/Draft/Merged/Closed.
	GetState(ctx context.Context, repoPath, reference string) (state string, err error)
	// Status is kept for callers that want the provider's raw status
	// string rather than the normalized GetState enum.
	Status(ctx context.Context, repoPath, reference string) (state string, err error)
	CommentsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]Comment, error)
	ReviewsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]Review, error)
	// InlineCommentsSince fetches diff-anchored review comments,
	// distinct from top-level issue comments (spec.md §6).
	InlineCommentsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]Comment, error)
	PostComment(ctx context.Context, repoPath, reference, body string) error
	// SubmitReview posts a single review atomically, with its inline
	// comments attached, rather than one API call per comment (spec.md
	// §4.3 Review step).
	SubmitReview(ctx context.Context, repoPath, reference, verdict, summary string, comments []InlineComment) error
	Merge(ctx context.Context, repoPath, reference, strategy string) error
	// BotLogin identifies the account the provider posts as, so
	// feedback polling can filter out the bot's own comments (spec.md
	// §4.1 step 7).
	BotLogin(ctx context.Context, repoPath string) (string, error)
}

// RunResult is what an AgentAdapter reports back for one finished
// invocation (spec.md §4.3, §7 PlanBlocked).
type RunResult struct {
	ExitCode int
	LogTail  string
	TimedOut bool
}

// AgentAdapter launches one coding-agent subprocess invocation for a
// single stage (worker/triage/review) against a worktree and returns an
// opaque handle immediately — it must be fire-and-observe, never
// blocking the caller for longer than the decision to spawn (spec.md
// §6: "must be fire-and-observe, never blocking the loop for more than
// the decision to spawn"). Callers poll Alive and fetch Result once it
// reports false.
type AgentAdapter interface {
	// Start launches agentCommand against worktreePath for the given
	// stage and returns a handle identifying the invocation (a tmux
	// session name, a PID, a workflow run id — adapter-specific).
	Start(ctx context.Context, worktreePath, stage, agentCommand, prompt string) (handle string, err error)
	// Alive reports whether a previously started invocation identified
	// by handle is still running, for runners that poll rather than
	// block (spec.md §4.3 tmux-session-dead sentinel pattern).
	Alive(ctx context.Context, handle string) (bool, error)
	// Result returns the finished invocation's outcome. Calling it
	// before Alive reports false is only guaranteed to return whatever
	// partial output is available so far.
	Result(ctx context.Context, handle string) (RunResult, error)
	// Stop terminates a running invocation, SIGTERM then SIGKILL.
	Stop(ctx context.Context, handle string) error
}

// PlanDoc is the plan-markdown surface the dispatcher reads TODOs from
// and writes checkbox state back to (spec.md §1, §3, §6:
// parse/extractBody/findNextUnchecked/addTodos/appendProgressLog/setStatus).
type PlanDoc interface {
	Load(ctx context.Context, worktreePath, planID string) (planstate.PlanDocument, error)
	MarkDone(ctx context.Context, worktreePath, planID string, todoIndex int) error
	MarkBlocked(ctx context.Context, worktreePath, planID string, todoIndex int, reason string) error
	AppendContext(ctx context.Context, worktreePath, planID string, todoIndex int, note string) error
	// AddTodos appends new unchecked TODOs to the plan, the mutation
	// surface a beforeFinish hook needs to gate completion (spec.md
	// §4.6, §8 scenario S3) and a triage agent needs to stage plan
	// edits.
	AddTodos(ctx context.Context, worktreePath, planID string, texts []string) error
}
