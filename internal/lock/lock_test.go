package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prloomd.lock")

	r, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	require.Error(t, err, "a second acquire while the first is held must fail")

	r.Release()

	r2, err := Acquire(path)
	require.NoError(t, err, "after release the lock must be acquirable again")
	r2.Release()
}

func TestReleaseOnNilIsSafe(t *testing.T) {
	var r *Repo
	r.Release()
}
