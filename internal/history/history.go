// Package history is the optional sqlite-backed plan-lifecycle and cost
// ledger (spec.md §2 domain stack), grounded on internal/store.Store's
// schema-on-open pattern and WAL pragma, generalized from dispatch rows
// keyed by bead ID to plan-transition rows keyed by plan ID.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a sqlite-backed append-only ledger of plan lifecycle
// transitions and per-stage token/cost usage.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS plan_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	occurred_at DATETIME NOT NULL DEFAULT (datetime('now')),
	detail TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	todo_index INTEGER NOT NULL DEFAULT -1,
	attempt INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_plan_transitions_plan ON plan_transitions(plan_id);
CREATE INDEX IF NOT EXISTS idx_stage_runs_plan ON stage_runs(plan_id);
`

// Open creates or opens a sqlite database at dbPath and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordTransition appends one plan status transition.
func (s *Store) RecordTransition(planID, from, to, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO plan_transitions (plan_id, from_status, to_status, detail) VALUES (?, ?, ?, ?)`,
		planID, from, to, detail,
	)
	if err != nil {
		return fmt.Errorf("history: record transition: %w", err)
	}
	return nil
}

// StageRun is one recorded worker/triage/review invocation.
type StageRun struct {
	PlanID       string
	Stage        string
	TodoIndex    int
	Attempt      int
	ExitCode     int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RecordStageRun appends one completed stage invocation.
func (s *Store) RecordStageRun(r StageRun) error {
	_, err := s.db.Exec(
		`INSERT INTO stage_runs (plan_id, stage, todo_index, attempt, exit_code, started_at, finished_at, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PlanID, r.Stage, r.TodoIndex, r.Attempt, r.ExitCode, r.StartedAt, r.FinishedAt, r.InputTokens, r.OutputTokens, r.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("history: record stage run: %w", err)
	}
	return nil
}

// Transitions returns every recorded transition for planID, oldest first.
func (s *Store) Transitions(planID string) ([]Transition, error) {
	rows, err := s.db.Query(
		`SELECT from_status, to_status, occurred_at, detail FROM plan_transitions WHERE plan_id = ? ORDER BY id ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query transitions: %w", err)
	}
	defer rows.Close()

	var result []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.From, &t.To, &t.OccurredAt, &t.Detail); err != nil {
			return nil, fmt.Errorf("history: scan transition: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Transition is one row of plan_transitions.
type Transition struct {
	From       string
	To         string
	OccurredAt time.Time
	Detail     string
}

// TotalCost returns the summed cost_usd across every stage run for planID.
func (s *Store) TotalCost(planID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost_usd) FROM stage_runs WHERE plan_id = ?`, planID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("history: sum cost: %w", err)
	}
	return total.Float64, nil
}
