// Package ghreview is a reference collab.ReviewProvider implementation
// that shells out to the GitHub CLI (gh), in the style of
// internal/git/pr.go's CreatePR/GetPRStatus.
package ghreview

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/prloom/prloom/internal/collab"
)

// Provider shells out to `gh` for every operation.
type Provider struct{}

var _ collab.ReviewProvider = Provider{}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	return runStdin(ctx, dir, "", args...)
}

func runStdin(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("gh %s: %w (%s)", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// Open creates a PR for branch against baseBranch and returns its
// reference as the numeric PR number, stringified.
func (Provider) Open(ctx context.Context, repoPath, branch, baseBranch, title, body string) (string, error) {
	out, err := run(ctx, repoPath, "pr", "create", "--draft",
		"--head", branch, "--base", baseBranch, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}

	parts := strings.Split(out, "/")
	if len(parts) == 0 {
		return out, nil
	}
	if _, convErr := strconv.Atoi(parts[len(parts)-1]); convErr == nil {
		return parts[len(parts)-1], nil
	}
	return out, nil
}

// UpdateBody rewrites the PR description, called after every worker
// commit to keep the CR in sync with plan progress (spec.md §4.3 Worker
// step).
func (Provider) UpdateBody(ctx context.Context, repoPath, reference, body string) error {
	_, err := run(ctx, repoPath, "pr", "edit", reference, "--body", body)
	return err
}

// MarkReady promotes a draft PR to ready-for-review.
func (Provider) MarkReady(ctx context.Context, repoPath, reference string) error {
	_, err := run(ctx, repoPath, "pr", "ready", reference)
	return err
}

type prStatus struct {
	Number         int    `json:"number"`
	State          string `json:"state"`
	IsDraft        bool   `json:"isDraft"`
	ReviewDecision string `json:"reviewDecision"`
}

func (Provider) Status(ctx context.Context, repoPath, reference string) (string, error) {
	out, err := run(ctx, repoPath, "pr", "view", reference, "--json", "number,state,isDraft,reviewDecision")
	if err != nil {
		if strings.Contains(out, "no pull requests found") {
			return "", nil
		}
		return "", err
	}
	var status prStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		return "", fmt.Errorf("ghreview: unmarshal pr view: %w", err)
	}
	return status.State, nil
}

// GetState normalizes gh's raw state/isDraft pair into
// collab.CRStateOpen/Draft/Merged/Closed (spec.md §6: "get CR state
// (merged|closed|open|draft)").
func (Provider) GetState(ctx context.Context, repoPath, reference string) (string, error) {
	out, err := run(ctx, repoPath, "pr", "view", reference, "--json", "number,state,isDraft")
	if err != nil {
		if strings.Contains(out, "no pull requests found") {
			return collab.CRStateClosed, nil
		}
		return "", err
	}
	var status prStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		return "", fmt.Errorf("ghreview: unmarshal pr view: %w", err)
	}
	switch strings.ToUpper(status.State) {
	case "MERGED":
		return collab.CRStateMerged, nil
	case "CLOSED":
		return collab.CRStateClosed, nil
	}
	if status.IsDraft {
		return collab.CRStateDraft, nil
	}
	return collab.CRStateOpen, nil
}

// BotLogin identifies the account gh is authenticated as, so feedback
// polling can filter out the bot's own comments (spec.md §4.1 step 7).
func (Provider) BotLogin(ctx context.Context, repoPath string) (string, error) {
	out, err := run(ctx, repoPath, "api", "user", "--jq", ".login")
	if err != nil {
		return "", err
	}
	return out, nil
}

type ghComment struct {
	ID        string    `json:"id"`
	Author    ghAuthor  `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type ghAuthor struct {
	Login string `json:"login"`
}

func (Provider) CommentsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]collab.Comment, error) {
	out, err := run(ctx, repoPath, "pr", "view", reference, "--json", "comments")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Comments []ghComment `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("ghreview: unmarshal comments: %w", err)
	}

	var result []collab.Comment
	for _, c := range payload.Comments {
		ms := c.CreatedAt.UnixMilli()
		if ms <= sinceMs {
			continue
		}
		result = append(result, collab.Comment{
			ID:        c.ID,
			Author:    c.Author.Login,
			Body:      c.Body,
			CreatedAt: ms,
		})
	}
	return result, nil
}

type ghReview struct {
	ID          string    `json:"id"`
	Author      ghAuthor  `json:"author"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submittedAt"`
}

func (Provider) ReviewsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]collab.Review, error) {
	out, err := run(ctx, repoPath, "pr", "view", reference, "--json", "reviews")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Reviews []ghReview `json:"reviews"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("ghreview: unmarshal reviews: %w", err)
	}

	var result []collab.Review
	for _, r := range payload.Reviews {
		ms := r.SubmittedAt.UnixMilli()
		if ms <= sinceMs {
			continue
		}
		result = append(result, collab.Review{
			ID:          r.ID,
			Author:      r.Author.Login,
			State:       r.State,
			Body:        r.Body,
			SubmittedAt: ms,
		})
	}
	return result, nil
}

type ghReviewComment struct {
	ID        string    `json:"id"`
	Author    ghAuthor  `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	CreatedAt time.Time `json:"createdAt"`
}

// InlineCommentsSince fetches diff-anchored review comments, distinct
// from top-level issue comments surfaced by CommentsSince (spec.md §6).
func (Provider) InlineCommentsSince(ctx context.Context, repoPath, reference string, sinceMs int64) ([]collab.Comment, error) {
	out, err := run(ctx, repoPath, "api",
		fmt.Sprintf("repos/{owner}/{repo}/pulls/%s/comments", reference))
	if err != nil {
		return nil, err
	}
	var payload []ghReviewComment
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("ghreview: unmarshal review comments: %w", err)
	}

	var result []collab.Comment
	for _, c := range payload {
		ms := c.CreatedAt.UnixMilli()
		if ms <= sinceMs {
			continue
		}
		result = append(result, collab.Comment{
			ID:        c.ID,
			Author:    c.Author.Login,
			Body:      c.Body,
			CreatedAt: ms,
			Inline:    true,
			Path:      c.Path,
			Line:      c.Line,
		})
	}
	return result, nil
}

func (Provider) PostComment(ctx context.Context, repoPath, reference, body string) error {
	_, err := run(ctx, repoPath, "pr", "comment", reference, "--body", body)
	return err
}

// SubmitReview posts a single review atomically, with its inline
// comments attached as a JSON request body, rather than one API call
// per comment (spec.md §4.3 Review step).
func (Provider) SubmitReview(ctx context.Context, repoPath, reference, verdict, summary string, comments []collab.InlineComment) error {
	event := "COMMENT"
	switch strings.ToLower(verdict) {
	case "approve":
		event = "APPROVE"
	case "request_changes":
		event = "REQUEST_CHANGES"
	}

	type reviewComment struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Body string `json:"body"`
	}
	payload := struct {
		Body     string          `json:"body"`
		Event    string          `json:"event"`
		Comments []reviewComment `json:"comments,omitempty"`
	}{Body: summary, Event: event}
	for _, c := range comments {
		payload.Comments = append(payload.Comments, reviewComment{Path: c.Path, Line: c.Line, Body: c.Body})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ghreview: marshal review payload: %w", err)
	}

	_, err = runStdin(ctx, repoPath, string(body), "api",
		fmt.Sprintf("repos/{owner}/{repo}/pulls/%s/reviews", reference),
		"--input", "-", "--method", "POST")
	return err
}

func (Provider) Merge(ctx context.Context, repoPath, reference, strategy string) error {
	flag := "--squash"
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "merge":
		flag = "--merge"
	case "rebase":
		flag = "--rebase"
	}
	_, err := run(ctx, repoPath, "pr", "merge", reference, flag)
	return err
}
