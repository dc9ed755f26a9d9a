package planstate

import "encoding/json"

// Status is one of the eight PlanState statuses (spec.md §3, §4.2).
type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusTriaging  Status = "triaging"
	StatusReviewing Status = "reviewing"
	StatusPaused    Status = "paused"
	StatusReview    Status = "review"
	StatusDone      Status = "done"
)

// CommitReviewAttempt tracks the optional post-commit reviewer gate loop
// (spec.md §3, §4.3).
type CommitReviewAttempt struct {
	Loops   int    `json:"loops"`
	Verdict string `json:"verdict,omitempty"`
}

// RunningHandle identifies the single in-flight worker/triage/review
// subprocess for a plan (spec.md §3 invariant 2). It is transient: never
// marshaled into state.json, only held in memory for the duration a
// stage invocation is in flight, surviving across ticks so the
// dispatcher can poll it to completion without blocking the loop
// (spec.md §6 AgentAdapter: "fire-and-observe").
type RunningHandle struct {
	Stage     string // "worker" | "triage" | "review"
	Handle    string // adapter-specific: tmux session name, PID, workflow run id
	TodoIndex int
	StartedAt int64 // unix millis
}

func (h *RunningHandle) Empty() bool { return h == nil || h.Handle == "" }

// PlanState is the durable, per-plan scheduling state (spec.md §3).
//
// Unknown JSON keys encountered on load are preserved verbatim through
// MarshalJSON/UnmarshalJSON (spec.md §6: "Unknown keys are preserved on
// rewrite") so a forward-incompatible field written by a newer or plugin
// build round-trips through an older one without data loss.
type PlanState struct {
	PlanID string `json:"-"`

	Status  Status `json:"status"`
	Blocked bool   `json:"blocked"`

	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
	BaseBranch   string `json:"baseBranch"`
	CRReference  string `json:"crReference"`

	AgentOverride string `json:"agent,omitempty"`

	LastPolledAtMs int64 `json:"lastPolledAt"`
	PollOnce       bool  `json:"pollOnce"`
	PendingReview  bool  `json:"pendingReview"`

	CommentsCursor       int64 `json:"commentsCursor"`
	ReviewsCursor        int64 `json:"reviewsCursor"`
	InlineCommentsCursor int64 `json:"inlineCommentsCursor"`

	LastTodoIndex  int `json:"lastTodoIndex"`
	TodoRetryCount int `json:"todoRetryCount"`

	CommitReview CommitReviewAttempt `json:"commitReview"`

	LastError string `json:"lastError,omitempty"`

	// Running is transient process-lifetime bookkeeping; it is never
	// persisted (spec.md §4.1 step 1: "preferring in-memory transient
	// fields (subprocess handle, retry counter)").
	Running *RunningHandle `json:"-"`

	// LastWorkerLogTail holds the most recent failed worker attempt's log
	// output, surfaced in the blocked error once todoRetryCount is
	// exhausted (spec.md §4.3 Worker step, §7 TODO-execution failure).
	LastWorkerLogTail string `json:"-"`

	// Extra preserves any JSON keys this build does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// New returns a freshly created PlanState in draft status. LastTodoIndex
// starts at -1, distinct from any real TODO index, so the worker step's
// retry tracking never mistakes a plan's very first attempt at TODO #0
// for a repeat of a prior one (spec.md §4.3 Worker step).
func New(planID string) *PlanState {
	return &PlanState{
		PlanID:        planID,
		Status:        StatusDraft,
		LastTodoIndex: -1,
	}
}

// MarshalJSON merges known fields with any preserved unknown keys.
func (p PlanState) MarshalJSON() ([]byte, error) {
	type known PlanState
	base, err := json.Marshal(known(p))
	if err != nil {
		return nil, err
	}

	if len(p.Extra) == 0 {
		return base, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, known := merged[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes everything else in Extra.
func (p *PlanState) UnmarshalJSON(data []byte) error {
	type known PlanState
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	*p = PlanState(k)

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	knownKeys := map[string]struct{}{
		"status": {}, "blocked": {}, "worktreePath": {}, "branch": {},
		"baseBranch": {}, "crReference": {}, "agent": {}, "lastPolledAt": {},
		"pollOnce": {}, "pendingReview": {}, "commentsCursor": {},
		"reviewsCursor": {}, "inlineCommentsCursor": {}, "lastTodoIndex": {},
		"todoRetryCount": {}, "commitReview": {}, "lastError": {},
	}
	extra := map[string]json.RawMessage{}
	for key, v := range raw {
		if _, ok := knownKeys[key]; ok {
			continue
		}
		extra[key] = v
	}
	if len(extra) > 0 {
		p.Extra = extra
	}
	return nil
}
