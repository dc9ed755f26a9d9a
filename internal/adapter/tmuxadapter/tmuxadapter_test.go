package tmuxadapter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionNameIsTmuxSafe(t *testing.T) {
	name := sessionName("worker: stage one")
	require.True(t, strings.HasPrefix(name, sessionPrefix))
	require.NotContains(t, name, ".")
	require.NotContains(t, name, ":")
	require.NotContains(t, name, " ")
}

func TestSanitizeLowercasesAndStripsSeparators(t *testing.T) {
	require.Equal(t, "a-b-c-d", sanitize("A.B:C D"))
}

func TestNewAppliesDefaults(t *testing.T) {
	a := New()
	require.Equal(t, 50000, a.HistoryLimit)
	require.Positive(t, a.HistoryLimit)
}

func TestAliveReportsFalseForEmptyHandle(t *testing.T) {
	a := New()
	alive, err := a.Alive(context.Background(), "")
	require.NoError(t, err)
	require.False(t, alive)
}
