package reflog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twosigma/git-meta/internal/reflog"
)

func TestEntriesOnMissingLogIsEmptyNotError(t *testing.T) {
	entries, err := reflog.Entries(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRecordAndEntriesRoundTripNewestFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, reflog.Record(dir, "aaaa111", "cherry-pick step 1"))
	require.NoError(t, reflog.Record(dir, "bbbb222", "cherry-pick step 2"))
	require.NoError(t, reflog.Record(dir, "cccc333", "abort"))

	entries, err := reflog.Entries(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, "cccc333", entries[0].Hash)
	require.Equal(t, "abort", entries[0].Message)
	require.Equal(t, "bbbb222", entries[1].Hash)
	require.Equal(t, "aaaa111", entries[2].Hash)
	require.Equal(t, "cherry-pick step 1", entries[2].Message)
}
