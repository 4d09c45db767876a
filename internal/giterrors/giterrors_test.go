package giterrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/giterrors"
)

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, giterrors.ExitCode(nil))
	require.Equal(t, 1, giterrors.ExitCode(giterrors.NewUserError(giterrors.NotClean, "dirty")))
	require.Equal(t, 1, giterrors.ExitCode(giterrors.NewMetaConflict("conflict")))
	require.Equal(t, 255, giterrors.ExitCode(giterrors.NewInternalError("invariant broken", nil)))
	require.Equal(t, 255, giterrors.ExitCode(giterrors.NewIOError("fetch", errors.New("network down"))))
}

func TestConflictErrorMessageNamesNextCommand(t *testing.T) {
	err := giterrors.NewSubmoduleConflict("libA", "libA", "abc123", "def456", "diverged")
	require.Contains(t, err.Error(), "libA")
	require.Contains(t, err.Error(), "continue")
}

func TestIOErrorUnwraps(t *testing.T) {
	inner := giterrors.NewInternalError("boom", nil)
	wrapped := giterrors.NewIOError("push", inner)
	require.ErrorIs(t, wrapped, inner)
}
