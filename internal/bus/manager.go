package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manager owns one bus root directory: either <worktree>/prloom/.local/bus
// or <repoRoot>/prloom/.local/bus (spec.md §4.4 layout). It is pure I/O +
// parsing — no scheduling decisions live here.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at dir, creating it and its state/
// and plugin-state/ subdirectories if they don't already exist.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{root: dir}
	for _, sub := range []string{"", "state", "plugin-state"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("bus: create %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return m, nil
}

// Root returns the bus's root directory.
func (m *Manager) Root() string { return m.root }

// EventsPath is the inbound event log.
func (m *Manager) EventsPath() string { return filepath.Join(m.root, "events.jsonl") }

// ActionsPath is the outbound action log.
func (m *Manager) ActionsPath() string { return filepath.Join(m.root, "actions.jsonl") }

type rawRecord struct {
	TS            int64           `json:"ts"`
	Kind          Kind            `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// appendRecord performs a single write() of json+"\n" in append mode
// (spec.md §4.4 write contract): no in-place edits, ever.
func appendRecord(path string, kind Kind, data any) error {
	rec := rawRecordOut{
		TS:            time.Now().UnixMilli(),
		Kind:          kind,
		SchemaVersion: SchemaVersion,
		Data:          data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bus: marshal %s record: %w", kind, err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bus: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("bus: write %s: %w", path, err)
	}
	return nil
}

type rawRecordOut struct {
	TS            int64  `json:"ts"`
	Kind          Kind   `json:"kind"`
	SchemaVersion int    `json:"schemaVersion"`
	Data          any    `json:"data"`
}

// AppendEvent appends e to the event log.
func (m *Manager) AppendEvent(e Event) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	return appendRecord(m.EventsPath(), KindEvent, e)
}

// AppendAction appends a to the action log.
func (m *Manager) AppendAction(a Action) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	return appendRecord(m.ActionsPath(), KindAction, a)
}

// readRecords implements the critical read contract of spec.md §4.4:
// seek to offset (a byte offset, never a character index), read to EOF,
// and compute newOffset as the first byte after the last '\n' in the
// window — so a partial trailing line is never returned and is re-read
// on the next call. Byte positions (not code points) make this correct
// for non-ASCII content (spec.md §8 property 2).
func readRecords(path string, offset int64) ([]rawRecord, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("bus: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("bus: stat %s: %w", path, err)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("bus: seek %s: %w", path, err)
	}

	window, err := readAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("bus: read %s: %w", path, err)
	}

	lastNL := bytes.LastIndexByte(window, '\n')
	if lastNL < 0 {
		// No complete line in this window; nothing new, offset unchanged.
		return nil, offset, nil
	}

	complete := window[:lastNL+1]
	newOffset := offset + int64(lastNL+1)

	var records []rawRecord
	for _, line := range bytes.Split(complete, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A malformed complete line is a corruption past recovery for
			// this call; skip it rather than abort the whole read.
			continue
		}
		records = append(records, rec)
	}

	return records, newOffset, nil
}

func readAll(f *os.File) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return buf.Bytes(), err
		}
		if n == 0 {
			break
		}
	}
	return buf.Bytes(), nil
}

// ReadEvents returns the new, complete Events past offset in path, and the
// offset the next call should pass in (spec.md §8 property 1).
func ReadEvents(path string, offset int64) ([]Event, int64, error) {
	records, newOffset, err := readRecords(path, offset)
	if err != nil {
		return nil, offset, err
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		if rec.Kind != KindEvent {
			continue
		}
		var e Event
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, newOffset, nil
}

// ReadActions returns the new, complete Actions past offset in path.
func ReadActions(path string, offset int64) ([]Action, int64, error) {
	records, newOffset, err := readRecords(path, offset)
	if err != nil {
		return nil, offset, err
	}
	actions := make([]Action, 0, len(records))
	for _, rec := range records {
		if rec.Kind != KindAction {
			continue
		}
		var a Action
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			continue
		}
		actions = append(actions, a)
	}
	return actions, newOffset, nil
}

// ReadNewEvents reads events past the manager's events log from offset.
func (m *Manager) ReadNewEvents(offset int64) ([]Event, int64, error) {
	return ReadEvents(m.EventsPath(), offset)
}

// ReadNewActions reads actions past the manager's action log from offset.
func (m *Manager) ReadNewActions(offset int64) ([]Action, int64, error) {
	return ReadActions(m.ActionsPath(), offset)
}
