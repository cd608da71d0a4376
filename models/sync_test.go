package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncStatusTransitions(t *testing.T) {
	tests := []struct {
		from    SyncStatus
		to      SyncStatus
		allowed bool
	}{
		{StatusPending, StatusSyncing, true},
		{StatusSyncing, StatusComplete, true},
		{StatusSyncing, StatusFailed, true},
		{StatusSyncing, StatusRateLimited, true},
		{StatusSyncing, StatusPending, true},
		{StatusComplete, StatusSyncing, true},
		{StatusFailed, StatusSyncing, true},
		{StatusRateLimited, StatusSyncing, true},

		{StatusPending, StatusComplete, false},
		{StatusPending, StatusFailed, false},
		{StatusComplete, StatusFailed, false},
		{StatusFailed, StatusComplete, false},
		{StatusRateLimited, StatusComplete, false},
		{StatusComplete, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSyncStatusValid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.True(t, StatusRateLimited.Valid())
	assert.False(t, SyncStatus("EXPLODED").Valid())
	assert.False(t, SyncStatus("").Valid())
}

func TestWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("bootstrap window reaches back days", func(t *testing.T) {
		w := BootstrapWindow(now, 30)
		assert.Equal(t, ModeBootstrap, w.Mode)
		assert.Equal(t, now.AddDate(0, 0, -30), w.Since)
		assert.True(t, w.Contains(now))
		assert.True(t, w.Contains(w.Since))
		assert.False(t, w.Contains(w.Since.Add(-time.Second)))
	})

	t.Run("zero days means full history", func(t *testing.T) {
		w := BootstrapWindow(now, 0)
		assert.True(t, w.Since.IsZero())
		assert.True(t, w.Contains(time.Date(2008, 4, 10, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("incremental window starts at last sync", func(t *testing.T) {
		last := now.Add(-2 * time.Hour)
		w := IncrementalWindow(last)
		assert.Equal(t, ModeIncremental, w.Mode)
		assert.True(t, w.Contains(now))
		assert.False(t, w.Contains(last.Add(-time.Minute)))
	})
}

func TestEntityKindsDependencyOrder(t *testing.T) {
	assert.Equal(t, KindPullRequests, EntityKinds[0], "pull requests must come first")
	assert.Len(t, EntityKinds, 7)
}

func TestSyncResultMerge(t *testing.T) {
	a := SyncResult{Kind: KindCommits, Count: 3, Inserted: 2, Updated: 1, Errors: []string{"x"}}
	b := SyncResult{Kind: KindCommits, Count: 2, Unchanged: 2, Skipped: 1, Errors: []string{"y"}}

	a.Merge(b)
	assert.Equal(t, 5, a.Count)
	assert.Equal(t, 2, a.Inserted)
	assert.Equal(t, 1, a.Updated)
	assert.Equal(t, 2, a.Unchanged)
	assert.Equal(t, 1, a.Skipped)
	assert.Equal(t, []string{"x", "y"}, a.Errors)
}
