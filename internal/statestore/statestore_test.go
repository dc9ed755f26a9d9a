package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prloom/prloom/internal/planstate"
)

func TestLoadEmptyReturnsZeroDocument(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	doc, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, int64(0), doc.ControlCursor)
	require.Empty(t, doc.Plans)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	doc, err := s.Load()
	require.NoError(t, err)
	doc.ControlCursor = 17
	doc.Plans["p1"] = planstate.New("p1")
	doc.Plans["p1"].Status = planstate.StatusActive

	require.NoError(t, s.Save(doc))

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, int64(17), reloaded.ControlCursor)
	require.Equal(t, planstate.StatusActive, reloaded.Plans["p1"].Status)
	require.Equal(t, "p1", reloaded.Plans["p1"].PlanID)
}

func TestControlCommandsAreReadableAfterAppend(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AppendControl(ControlCommand{ID: "c1", PlanID: "p1", Verb: "poll"}))
	require.NoError(t, s.AppendControl(ControlCommand{ID: "c2", PlanID: "p1", Verb: "stop"}))

	cmds, offset, err := ReadControlSince(s.ControlPath(), 0)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, "poll", cmds[0].Verb)
	require.Equal(t, "stop", cmds[1].Verb)
	require.Positive(t, offset)

	more, offset2, err := ReadControlSince(s.ControlPath(), offset)
	require.NoError(t, err)
	require.Empty(t, more)
	require.Equal(t, offset, offset2)
}

func TestReadControlSinceTruncatedLineNotReturned(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.AppendControl(ControlCommand{ID: "c1", PlanID: "p1", Verb: "poll"}))

	full, err := os.ReadFile(s.ControlPath())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.root, "control.jsonl"), full[:len(full)-3], 0o644))

	cmds, offset, err := ReadControlSince(s.ControlPath(), 0)
	require.NoError(t, err)
	require.Empty(t, cmds)
	require.Equal(t, int64(0), offset)
}

func TestReadControlSinceMissingFileIsEmpty(t *testing.T) {
	cmds, offset, err := ReadControlSince(filepath.Join(t.TempDir(), "nope.jsonl"), 0)
	require.NoError(t, err)
	require.Empty(t, cmds)
	require.Equal(t, int64(0), offset)
}
