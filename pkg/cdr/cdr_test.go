package cdr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendPersistsOneRowPerCall(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "cdr.sqlite"))
	require.NoError(t, err)
	defer store.Close()

	start := time.Now().Add(-30 * time.Second)
	end := time.Now()
	rec := Record{
		CallID:    "call-1",
		CallerID:  "+15551234567",
		StartedAt: start,
		EndedAt:   end,
		Chunks:    4,
		EndReason: "caller_hangup",
	}

	require.NoError(t, store.Append(context.Background(), rec))

	var count int
	row := store.db.QueryRow("SELECT COUNT(*) FROM call_records WHERE call_id = ?", "call-1")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count, "expected 1 row for call-1")
}
