package planstate

import "fmt"

// Transition is one legal (from, to) edge of the plan state machine
// (spec.md §4.2).
type Transition struct {
	From Status
	To   Status
}

// transitions is the closed set of legal edges. Anything not listed here
// is rejected by CanTransition/Apply.
var transitions = map[Transition]struct{}{
	{StatusDraft, StatusQueued}:       {},
	{StatusQueued, StatusActive}:      {},
	{StatusActive, StatusTriaging}:    {},
	{StatusTriaging, StatusActive}:    {},
	{StatusTriaging, StatusPaused}:    {},
	{StatusActive, StatusReview}:      {},
	{StatusReview, StatusReviewing}:   {},
	{StatusReviewing, StatusActive}:   {},
	{StatusReviewing, StatusReview}:   {},
	{StatusReview, StatusDone}:        {},
	{StatusActive, StatusPaused}:      {},
	{StatusPaused, StatusActive}:      {},
	{StatusPaused, StatusQueued}:      {},
	{StatusQueued, StatusPaused}:      {},
}

// CanTransition reports whether moving from `from` to `to` is a legal
// edge of the plan state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	_, ok := transitions[Transition{from, to}]
	return ok
}

// ErrIllegalTransition is returned by Apply when asked to cross an edge
// that is not in the legal transition table.
type ErrIllegalTransition struct {
	From, To Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("planstate: illegal transition %s -> %s", e.From, e.To)
}

// Apply moves s to `to` if the edge is legal, otherwise returns
// ErrIllegalTransition and leaves s unchanged.
func Apply(s *PlanState, to Status) error {
	if !CanTransition(s.Status, to) {
		return &ErrIllegalTransition{From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// IsBlocking reports whether a plan in this status must not be advanced
// by the dispatcher's normal per-tick stepping (spec.md §4.2: paused and
// done plans, and any plan with Blocked set, are skipped).
func IsBlocking(s *PlanState) bool {
	if s.Blocked {
		return true
	}
	switch s.Status {
	case StatusPaused, StatusDone:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a plan has reached its final state.
func IsTerminal(s Status) bool {
	return s == StatusDone
}

// NeedsRunner reports whether a plan in this status has an associated
// worker/triage/review subprocess stage (spec.md §4.2, §4.3).
func NeedsRunner(s Status) (stage string, ok bool) {
	switch s {
	case StatusActive:
		return "worker", true
	case StatusTriaging:
		return "triage", true
	case StatusReviewing:
		return "review", true
	default:
		return "", false
	}
}
