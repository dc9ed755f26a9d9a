package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prloom/prloom/internal/planmd"
	"github.com/prloom/prloom/internal/planstate"
)

// planRelPath is where a plan's markdown lives inside its worktree
// (spec.md §6 file layout: "worktrees/<id>/prloom/.local/plan.md").
const planRelPath = "prloom/.local/plan.md"

// inboxMeta is the <id>.json sidecar accompanying an inbox plan's
// markdown (spec.md §6 file layout).
type inboxMeta struct {
	Status string         `json:"status"`
	Agent  string         `json:"agent,omitempty"`
	Preset string         `json:"preset,omitempty"`
	Source map[string]any `json:"source,omitempty"`
	Hidden bool           `json:"hidden,omitempty"`
}

// ingestInboxPlans materializes every queued, non-empty inbox plan into a
// worktree and draft CR, then admits it into the live plan set directly
// as active (spec.md §4.1 step 3, §4.2: "queued | ingestion completes |
// active").
func (d *Dispatcher) ingestInboxPlans(ctx context.Context) error {
	dir := d.store.InboxDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read inbox: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if err := d.ingestOnePlan(ctx, dir, id); err != nil {
			d.logger.Error("dispatcher: ingest inbox plan", "plan", id, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) ingestOnePlan(ctx context.Context, dir, id string) error {
	metaPath := filepath.Join(dir, id+".json")
	mdPath := filepath.Join(dir, id+".md")

	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", metaPath, err)
	}
	var meta inboxMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return fmt.Errorf("parse %s: %w", metaPath, err)
	}
	if meta.Status != "queued" {
		return nil
	}

	mdRaw, err := os.ReadFile(mdPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", mdPath, err)
	}
	doc := planmd.ParseDocument(mdRaw, id)
	if total, _ := doc.Count(); total == 0 {
		d.logger.Warn("dispatcher: inbox plan has no TODOs, leaving queued", "plan", id)
		return nil
	}

	cfg := d.cfg()
	if cfg == nil {
		return fmt.Errorf("no config available to resolve base branch / worktrees dir")
	}

	branch := d.uniqueBranchName(id)
	worktreePath, err := d.collab.VCS.EnsureWorktree(ctx, cfg.WorktreesDir, branch, cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("ensure worktree: %w", err)
	}
	if err := d.collab.VCS.CommitEmpty(ctx, worktreePath, fmt.Sprintf("[prloom] %s: seed", id)); err != nil {
		return fmt.Errorf("seed commit: %w", err)
	}

	planFile := filepath.Join(worktreePath, planRelPath)
	if err := os.MkdirAll(filepath.Dir(planFile), 0o755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	if err := os.WriteFile(planFile, mdRaw, 0o644); err != nil {
		return fmt.Errorf("write plan.md: %w", err)
	}
	if err := d.collab.VCS.Commit(ctx, worktreePath, fmt.Sprintf("[prloom] %s: plan created", id)); err != nil {
		return fmt.Errorf("commit plan.md: %w", err)
	}
	if err := d.collab.VCS.Push(ctx, worktreePath, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	var crRef string
	if d.collab.Review != nil {
		title := doc.Title
		if title == "" {
			title = id
		}
		crRef, err = d.collab.Review.Open(ctx, worktreePath, branch, cfg.BaseBranch, title, doc.Body)
		if err != nil {
			return fmt.Errorf("open CR: %w", err)
		}
	}

	state := planstate.New(id)
	if err := planstate.Apply(state, planstate.StatusQueued); err != nil {
		return fmt.Errorf("queue new plan: %w", err)
	}
	if err := planstate.Apply(state, planstate.StatusActive); err != nil {
		return fmt.Errorf("activate new plan: %w", err)
	}
	state.WorktreePath = worktreePath
	state.Branch = branch
	state.BaseBranch = cfg.BaseBranch
	state.CRReference = crRef
	state.AgentOverride = meta.Agent

	d.plans[id] = state
	if d.history != nil {
		if err := d.history.RecordTransition(id, "", string(planstate.StatusActive), "inbox ingestion"); err != nil {
			d.logger.Error("dispatcher: record ingestion transition", "plan", id, "error", err)
		}
	}

	if err := os.Remove(mdPath); err != nil {
		d.logger.Error("dispatcher: remove inbox markdown", "plan", id, "error", err)
	}
	if err := os.Remove(metaPath); err != nil {
		d.logger.Error("dispatcher: remove inbox metadata", "plan", id, "error", err)
	}
	return nil
}

// uniqueBranchName derives a plan's branch name, suffixing on collision
// against every branch already in use by the live plan set (spec.md
// §4.1 step 3: "Derive a desired branch name (collision → suffix)").
func (d *Dispatcher) uniqueBranchName(id string) string {
	desired := "prloom/" + id
	used := map[string]bool{}
	for _, ps := range d.plans {
		used[ps.Branch] = true
	}
	if !used[desired] {
		return desired
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", desired, i)
		if !used[candidate] {
			return candidate
		}
	}
}
