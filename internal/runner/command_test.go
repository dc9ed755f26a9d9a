package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCommandSubstitutesModel(t *testing.T) {
	cmd, err := BuildCommand("agent run --model {model}", "gpt-5", "do the thing")
	require.NoError(t, err)
	require.Equal(t, "agent run --model gpt-5", cmd)
}

func TestBuildCommandRejectsUnsupportedPlaceholder(t *testing.T) {
	_, err := BuildCommand("agent run --weird {bogus}", "", "")
	require.Error(t, err)
}

func TestBuildCommandRequiresModelWhenPlaceholderPresent(t *testing.T) {
	_, err := BuildCommand("agent run --model {model}", "", "do the thing")
	require.Error(t, err)
}

func TestBuildCommandRejectsEmptyTemplate(t *testing.T) {
	_, err := BuildCommand("   ", "", "")
	require.Error(t, err)
}
