// Package planmd is a reference collab.PlanDoc implementation that
// reads and rewrites a plan as GitHub-flavored checkbox markdown:
// "- [ ] text", "- [x] text" (done), "- [b] text" (blocked, matched
// case-insensitively per spec.md §9).
package planmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/planstate"
)

var checkboxPattern = regexp.MustCompile(`^(\s*)-\s*\[([ xXbB])\]\s*(.*)$`)

// PlanDoc reads/writes PLAN.md (or a configurable relative path) inside
// a worktree.
type PlanDoc struct {
	// RelPath is the plan markdown file's path relative to the
	// worktree root. Defaults to "PLAN.md" when empty.
	RelPath string
}

var _ collab.PlanDoc = PlanDoc{}

func (p PlanDoc) path(worktreePath string) string {
	rel := p.RelPath
	if rel == "" {
		rel = "PLAN.md"
	}
	return filepath.Join(worktreePath, rel)
}

// Load parses the plan file into a planstate.PlanDocument. Every
// non-checkbox line, wherever it appears, is kept in the document body;
// the title is the first "# " heading found, if any.
func (p PlanDoc) Load(ctx context.Context, worktreePath, planID string) (planstate.PlanDocument, error) {
	data, err := os.ReadFile(p.path(worktreePath))
	if err != nil {
		return planstate.PlanDocument{}, fmt.Errorf("planmd: read %s: %w", p.path(worktreePath), err)
	}
	return ParseDocument(data, planID), nil
}

// ParseDocument parses raw plan markdown into a planstate.PlanDocument,
// independent of where the bytes came from — a worktree file for Load,
// or an inbox entry that has no worktree yet (spec.md §4.1 step 3).
func ParseDocument(data []byte, planID string) planstate.PlanDocument {
	doc := planstate.PlanDocument{ID: planID}
	var body strings.Builder
	index := 0

	for _, line := range strings.Split(string(data), "\n") {
		if m := checkboxPattern.FindStringSubmatch(line); m != nil {
			mark := strings.ToLower(m[2])
			todo := planstate.TODO{
				Index:   index,
				Text:    strings.TrimSpace(m[3]),
				Done:    mark == "x",
				Blocked: mark == "b",
			}
			doc.Todos = append(doc.Todos, todo)
			index++
			continue
		}
		if doc.Title == "" && strings.HasPrefix(strings.TrimSpace(line), "# ") {
			doc.Title = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "# "))
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	doc.Body = body.String()
	return doc
}

// MarkDone rewrites the todoIndex-th checkbox line to "[x]".
func (p PlanDoc) MarkDone(ctx context.Context, worktreePath, planID string, todoIndex int) error {
	return p.rewrite(worktreePath, todoIndex, func(line string, m []string) string {
		return m[1] + "- [x] " + strings.TrimSpace(m[3])
	})
}

// MarkBlocked rewrites the todoIndex-th checkbox line to "[b]" and
// appends reason as a trailing note.
func (p PlanDoc) MarkBlocked(ctx context.Context, worktreePath, planID string, todoIndex int, reason string) error {
	return p.rewrite(worktreePath, todoIndex, func(line string, m []string) string {
		text := strings.TrimSpace(m[3])
		if reason != "" {
			text = fmt.Sprintf("%s (blocked: %s)", text, reason)
		}
		return m[1] + "- [b] " + text
	})
}

// AppendContext appends note in parentheses to the todoIndex-th line's
// text without changing its checkbox state.
func (p PlanDoc) AppendContext(ctx context.Context, worktreePath, planID string, todoIndex int, note string) error {
	return p.rewrite(worktreePath, todoIndex, func(line string, m []string) string {
		return fmt.Sprintf("%s- [%s] %s (%s)", m[1], m[2], strings.TrimSpace(m[3]), note)
	})
}

// AddTodos appends new unchecked checkbox lines to the end of the plan
// file, the mutation surface a beforeFinish hook uses to gate completion
// (spec.md §4.6, §8 scenario S3) and a triage agent uses to stage plan
// edits (spec.md §4.3 Triage step).
func (p PlanDoc) AddTodos(ctx context.Context, worktreePath, planID string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	path := p.path(worktreePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("planmd: read %s: %w", path, err)
	}

	content := strings.TrimRight(string(data), "\n")
	var added strings.Builder
	for _, text := range texts {
		added.WriteString("\n- [ ] ")
		added.WriteString(strings.TrimSpace(text))
	}
	return writeAtomic(path, content+added.String()+"\n")
}

func (p PlanDoc) rewrite(worktreePath string, todoIndex int, transform func(line string, m []string) string) error {
	path := p.path(worktreePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("planmd: read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	index := 0
	found := false
	for i, line := range lines {
		m := checkboxPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if index == todoIndex {
			lines[i] = transform(line, m)
			found = true
			break
		}
		index++
	}
	if !found {
		return fmt.Errorf("planmd: no TODO at index %d", todoIndex)
	}

	return writeAtomic(path, strings.Join(lines, "\n"))
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("planmd: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("planmd: write temp: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("planmd: flush temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("planmd: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("planmd: rename temp onto %s: %w", path, err)
	}
	return nil
}
