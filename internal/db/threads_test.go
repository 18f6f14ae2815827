package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkovacs/mailfeed/internal/db"
	"github.com/dkovacs/mailfeed/internal/testutil"
)

func TestThreadLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	accountID := createTestAccount(t, pool, "threads@example.com")
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("create and get", func(t *testing.T) {
		threadID, err := db.CreateThread(ctx, pool, accountID, "Project update", "project update", now)
		require.NoError(t, err)
		require.NotEmpty(t, threadID)

		thread, err := db.GetThreadByID(ctx, pool, threadID)
		require.NoError(t, err)
		assert.Equal(t, accountID, thread.AccountID)
		assert.Equal(t, "Project update", thread.Subject)
		assert.Equal(t, 0, thread.MessageCount)
		assert.True(t, thread.LastActivityAt.Equal(now))
	})

	t.Run("get unknown thread", func(t *testing.T) {
		_, err := db.GetThreadByID(ctx, pool, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, db.ErrThreadNotFound)
	})

	t.Run("recompute derives count and last activity", func(t *testing.T) {
		threadID, err := db.CreateThread(ctx, pool, accountID, "Recompute", "recompute", now.Add(-48*time.Hour))
		require.NoError(t, err)

		seedThreadMessages(t, pool, accountID, threadID, now, 3)
		require.NoError(t, db.RecomputeThreadMetadata(ctx, pool, threadID))

		thread, err := db.GetThreadByID(ctx, pool, threadID)
		require.NoError(t, err)
		assert.Equal(t, 3, thread.MessageCount)
		assert.True(t, thread.LastActivityAt.Equal(now.Add(2*time.Hour)), "got %v", thread.LastActivityAt)
	})

	t.Run("recompute keeps last activity for empty thread", func(t *testing.T) {
		threadID, err := db.CreateThread(ctx, pool, accountID, "Empty", "empty", now)
		require.NoError(t, err)

		require.NoError(t, db.RecomputeThreadMetadata(ctx, pool, threadID))

		thread, err := db.GetThreadByID(ctx, pool, threadID)
		require.NoError(t, err)
		assert.Equal(t, 0, thread.MessageCount)
		assert.True(t, thread.LastActivityAt.Equal(now))
	})
}

func TestFindThreadBySubjectWithin(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	accountID := createTestAccount(t, pool, "window@example.com")
	now := time.Now().UTC().Truncate(time.Second)

	threadID, err := db.CreateThread(ctx, pool, accountID, "Quarterly report", "quarterly report", now)
	require.NoError(t, err)

	t.Run("matches inside the window", func(t *testing.T) {
		found, err := db.FindThreadBySubjectWithin(ctx, pool, accountID, "quarterly report", now.Add(5*24*time.Hour), 30)
		require.NoError(t, err)
		assert.Equal(t, threadID, found)
	})

	t.Run("misses outside the window", func(t *testing.T) {
		found, err := db.FindThreadBySubjectWithin(ctx, pool, accountID, "quarterly report", now.Add(45*24*time.Hour), 30)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("misses a different subject", func(t *testing.T) {
		found, err := db.FindThreadBySubjectWithin(ctx, pool, accountID, "annual report", now, 30)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("does not cross accounts", func(t *testing.T) {
		otherAccountID := createTestAccount(t, pool, "window-other@example.com")
		found, err := db.FindThreadBySubjectWithin(ctx, pool, otherAccountID, "quarterly report", now, 30)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("prefers the most recently active match", func(t *testing.T) {
		newerID, err := db.CreateThread(ctx, pool, accountID, "Quarterly report", "quarterly report", now.Add(24*time.Hour))
		require.NoError(t, err)

		found, err := db.FindThreadBySubjectWithin(ctx, pool, accountID, "quarterly report", now.Add(2*24*time.Hour), 30)
		require.NoError(t, err)
		assert.Equal(t, newerID, found)
	})
}

func TestSplitThread(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	accountID := createTestAccount(t, pool, "split@example.com")
	now := time.Now().UTC().Truncate(time.Second)

	threadID, err := db.CreateThread(ctx, pool, accountID, "Mixed topic", "mixed topic", now)
	require.NoError(t, err)
	seedThreadMessages(t, pool, accountID, threadID, now, 4)
	require.NoError(t, db.RecomputeThreadMetadata(ctx, pool, threadID))

	messages, err := db.GetMessagesForThread(ctx, pool, threadID)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	// Split off the two most recent messages.
	newThreadID, err := db.SplitThread(ctx, pool, threadID, []string{messages[2].ID, messages[3].ID})
	require.NoError(t, err)
	require.NotEmpty(t, newThreadID)
	assert.NotEqual(t, threadID, newThreadID)

	original, err := db.GetThreadByID(ctx, pool, threadID)
	require.NoError(t, err)
	assert.Equal(t, 2, original.MessageCount)
	assert.True(t, original.LastActivityAt.Equal(now.Add(time.Hour)))

	split, err := db.GetThreadByID(ctx, pool, newThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, split.MessageCount)
	assert.True(t, split.LastActivityAt.Equal(now.Add(3*time.Hour)))

	t.Run("empty selection is rejected", func(t *testing.T) {
		_, err := db.SplitThread(ctx, pool, threadID, nil)
		assert.Error(t, err)
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, err := db.SplitThread(ctx, pool, "00000000-0000-0000-0000-000000000000", []string{messages[0].ID})
		assert.ErrorIs(t, err, db.ErrThreadNotFound)
	})
}

func TestMergeThreads(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	accountID := createTestAccount(t, pool, "merge@example.com")
	now := time.Now().UTC().Truncate(time.Second)

	sourceID, err := db.CreateThread(ctx, pool, accountID, "Source", "source", now)
	require.NoError(t, err)
	seedThreadMessages(t, pool, accountID, sourceID, now, 2)

	destID, err := db.CreateThread(ctx, pool, accountID, "Destination", "destination", now)
	require.NoError(t, err)
	seedThreadMessages(t, pool, accountID, destID, now.Add(12*time.Hour), 1)

	require.NoError(t, db.MergeThreads(ctx, pool, sourceID, destID))

	source, err := db.GetThreadByID(ctx, pool, sourceID)
	require.NoError(t, err)
	assert.Equal(t, 0, source.MessageCount)

	dest, err := db.GetThreadByID(ctx, pool, destID)
	require.NoError(t, err)
	assert.Equal(t, 3, dest.MessageCount)
	assert.True(t, dest.LastActivityAt.Equal(now.Add(13*time.Hour)))

	t.Run("cannot merge into itself", func(t *testing.T) {
		assert.Error(t, db.MergeThreads(ctx, pool, destID, destID))
	})
}

func TestThreadLabels(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	accountID := createTestAccount(t, pool, "labels@example.com")
	threadID, err := db.CreateThread(ctx, pool, accountID, "Labelled", "labelled", time.Now())
	require.NoError(t, err)

	require.NoError(t, db.AddThreadLabel(ctx, pool, threadID, "work"))
	require.NoError(t, db.AddThreadLabel(ctx, pool, threadID, "urgent"))
	// Adding twice is a no-op.
	require.NoError(t, db.AddThreadLabel(ctx, pool, threadID, "work"))

	labels, err := db.GetThreadLabels(ctx, pool, threadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "work"}, labels)

	require.NoError(t, db.RemoveThreadLabel(ctx, pool, threadID, "urgent"))

	labels, err = db.GetThreadLabels(ctx, pool, threadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, labels)
}
