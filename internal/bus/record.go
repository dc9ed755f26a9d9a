// Package bus implements the file-based event/action log described in
// spec.md §4.4: an append-only JSONL record per worktree (plus a
// repo-global bus), a byte-offset cursor per consumer, and the opaque
// per-bridge/per-plugin state files that live alongside it.
package bus

import "github.com/google/uuid"

// Severity classifies an Event (spec.md §6 wire format).
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// ReplyTo addresses where a response to an Event should be delivered.
type ReplyTo struct {
	Target string `json:"target"`
	Token  string `json:"token"`
}

// Event is an inbound or lifecycle record appended to the bus (spec.md §3, §6).
type Event struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	ReplyTo  *ReplyTo       `json:"replyTo,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Action payload type constants (spec.md §6).
const (
	ActionComment    = "comment"
	ActionReview     = "review"
	ActionMerge      = "merge"
	ActionUpsertPlan = "upsert_plan"
)

// Action is an outbound record appended to the bus by hooks/triage, later
// offered to every enabled bridge, each of which keeps its own delivery
// receipt for it (spec.md §3, §6).
type Action struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Target  string         `json:"target"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Kind discriminates the envelope wrapping every JSONL line.
type Kind string

const (
	KindEvent  Kind = "event"
	KindAction Kind = "action"
)

// SchemaVersion is bumped whenever Record's on-disk shape changes incompatibly.
const SchemaVersion = 1

// Record is the single envelope written on every JSONL line (spec.md §4.4).
type Record struct {
	TS            int64  `json:"ts"`
	Kind          Kind   `json:"kind"`
	SchemaVersion int    `json:"schemaVersion"`
	Data          any    `json:"data"`
}

// NewID returns a fresh unique identifier for an Event or Action.
func NewID() string {
	return uuid.NewString()
}
