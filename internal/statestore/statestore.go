// Package statestore persists the dispatcher's top-level state.json
// (control cursor plus per-plan PlanState) and appends inbound operator
// commands to control.jsonl, using the same write-temp-then-rename
// primitive as internal/bus (spec.md §5).
package statestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prloom/prloom/internal/jsonfile"
	"github.com/prloom/prloom/internal/planstate"
)

// Document is the full contents of state.json.
type Document struct {
	ControlCursor int64                           `json:"controlCursor"`
	Plans         map[string]*planstate.PlanState `json:"plans"`
}

// Store owns state.json and control.jsonl under root.
type Store struct {
	mu   sync.Mutex
	root string
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: mkdir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory this Store persists state.json and
// control.jsonl under.
func (s *Store) Root() string { return s.root }

func (s *Store) statePath() string   { return filepath.Join(s.root, "state.json") }
func (s *Store) ControlPath() string { return filepath.Join(s.root, "control.jsonl") }

// InboxDir is where queued plans wait to be ingested as <id>.md/<id>.json
// pairs (spec.md §4.1 step 3, §6 file layout).
func (s *Store) InboxDir() string { return filepath.Join(s.root, "inbox") }

// Load reads state.json, returning an empty Document (never nil Plans)
// if it does not yet exist.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &Document{Plans: map[string]*planstate.PlanState{}}
	if _, err := jsonfile.Read(s.statePath(), doc); err != nil {
		return nil, err
	}
	if doc.Plans == nil {
		doc.Plans = map[string]*planstate.PlanState{}
	}
	for id, p := range doc.Plans {
		p.PlanID = id
	}
	return doc, nil
}

// Save rewrites state.json atomically.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jsonfile.WriteAtomic(s.statePath(), doc)
}

// ControlCommand is one line of control.jsonl: an operator- or
// bridge-issued instruction targeting a plan (spec.md §6 external
// interfaces: stop/unpause/poll/launch_poll/review/activate).
type ControlCommand struct {
	ID     string         `json:"id"`
	PlanID string         `json:"planId"`
	Verb   string         `json:"verb"`
	Args   map[string]any `json:"args,omitempty"`
}

// AppendControl appends one control command to control.jsonl.
func (s *Store) AppendControl(cmd ControlCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.ControlPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: open control.jsonl: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("statestore: marshal control command: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("statestore: write control.jsonl: %w", err)
	}
	return nil
}

// ReadControlSince reads every complete control.jsonl line at or after
// offset, returning the commands and the new byte offset. A partial
// trailing line is left unread, mirroring internal/bus's read contract.
func ReadControlSince(path string, offset int64) ([]ControlCommand, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("statestore: stat %s: %w", path, err)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, 0, fmt.Errorf("statestore: seek %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	var cmds []ControlCommand
	var consumed int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var cmd ControlCommand
			if unmarshalErr := json.Unmarshal(line, &cmd); unmarshalErr == nil {
				cmds = append(cmds, cmd)
			}
			consumed += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	return cmds, offset + consumed, nil
}
