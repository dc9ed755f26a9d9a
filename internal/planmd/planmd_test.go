package planmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PLAN.md"), []byte(content), 0o644))
}

const samplePlan = `# Ship the widget

Some context about this plan.

- [ ] write the widget
- [x] write tests
- [b] deploy the widget
`

func TestLoadParsesTitleAndTodos(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, samplePlan)

	doc, err := PlanDoc{}.Load(context.Background(), dir, "plan-1")
	require.NoError(t, err)
	require.Equal(t, "Ship the widget", doc.Title)
	require.Len(t, doc.Todos, 3)
	require.False(t, doc.Todos[0].Done)
	require.True(t, doc.Todos[1].Done)
	require.True(t, doc.Todos[2].Blocked)
}

func TestLoadMatchesBlockedCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "- [B] uppercase blocked marker\n")

	doc, err := PlanDoc{}.Load(context.Background(), dir, "plan-1")
	require.NoError(t, err)
	require.True(t, doc.Todos[0].Blocked)
}

func TestMarkDoneRewritesCheckbox(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, samplePlan)

	require.NoError(t, PlanDoc{}.MarkDone(context.Background(), dir, "plan-1", 0))

	doc, err := PlanDoc{}.Load(context.Background(), dir, "plan-1")
	require.NoError(t, err)
	require.True(t, doc.Todos[0].Done)
	require.True(t, doc.Todos[1].Done, "unrelated todo untouched")
	require.Equal(t, "write tests", doc.Todos[1].Text)
}

func TestMarkBlockedAppendsReason(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, samplePlan)

	require.NoError(t, PlanDoc{}.MarkBlocked(context.Background(), dir, "plan-1", 0, "missing credentials"))

	data, err := os.ReadFile(filepath.Join(dir, "PLAN.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "[b] write the widget (blocked: missing credentials)")
}

func TestRewriteErrorsOnMissingIndex(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, samplePlan)

	err := PlanDoc{}.MarkDone(context.Background(), dir, "plan-1", 99)
	require.Error(t, err)
}
