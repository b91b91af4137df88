// ABOUTME: Tests for the SQLite delivery store
// ABOUTME: Verifies queue entry lifecycle, claim semantics, and offline caches

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEntry(msg string) *QueueEntry {
	now := time.Now()
	return &QueueEntry{
		ID:             uuid.New().String(),
		IdempotencyKey: uuid.New().String(),
		Payload:        Payload{Message: msg, Model: "standard"},
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLiteStore_EnqueueAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("Hello")
	entry.Payload.Attachments = []Attachment{{Name: "form.pdf", Type: "application/pdf", Ref: "upload-1"}}
	require.NoError(t, s.EnqueueEntry(ctx, entry))

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Payload.Message)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, entry.IdempotencyKey, got.IdempotencyKey)
	require.Len(t, got.Payload.Attachments, 1)
	assert.Equal(t, "form.pdf", got.Payload.Attachments[0].Name)
}

func TestSQLiteStore_EnqueueDuplicateKeyFails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("one")
	require.NoError(t, s.EnqueueEntry(ctx, entry))

	dup := newEntry("two")
	dup.IdempotencyKey = entry.IdempotencyKey
	err := s.EnqueueEntry(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestSQLiteStore_PendingEntriesFIFO(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, msg := range []string{"first", "second", "third"} {
		entry := newEntry(msg)
		entry.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		entry.UpdatedAt = entry.CreatedAt
		require.NoError(t, s.EnqueueEntry(ctx, entry))
	}

	entries, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Payload.Message)
	assert.Equal(t, "second", entries[1].Payload.Message)
	assert.Equal(t, "third", entries[2].Payload.Message)
}

func TestSQLiteStore_ClaimEntryOnlyOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("claim me")
	require.NoError(t, s.EnqueueEntry(ctx, entry))

	require.NoError(t, s.ClaimEntry(ctx, entry.ID))

	// Second claim loses: the entry is no longer pending.
	err := s.ClaimEntry(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_MarkDeliveredRemovesEntryAndRecordsKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("deliver me")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.ClaimEntry(ctx, entry.ID))
	require.NoError(t, s.MarkDelivered(ctx, entry.ID, entry.IdempotencyKey))

	_, err := s.GetEntry(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	seen, err := s.SeenKey(ctx, entry.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, seen)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestSQLiteStore_RecordFailureReturnsToPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("flaky")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.ClaimEntry(ctx, entry.ID))

	status, err := s.RecordFailure(ctx, entry.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestSQLiteStore_RecordFailureHitsCeiling(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("doomed")
	require.NoError(t, s.EnqueueEntry(ctx, entry))

	var status EntryStatus
	for i := 0; i < 3; i++ {
		require.NoError(t, s.ClaimEntry(ctx, entry.ID))
		var err error
		status, err = s.RecordFailure(ctx, entry.ID, 3)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusPermanentlyFailed, status)

	// Permanently failed entries never come back as pending.
	pending, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := s.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)

	// And cannot be claimed.
	assert.ErrorIs(t, s.ClaimEntry(ctx, entry.ID), ErrNotFound)
}

func TestSQLiteStore_ReleaseEntryDoesNotCountAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("aborted")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.ClaimEntry(ctx, entry.ID))
	require.NoError(t, s.ReleaseEntry(ctx, entry.ID))

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	// Releasing a non-delivering entry is rejected.
	assert.ErrorIs(t, s.ReleaseEntry(ctx, entry.ID), ErrNotFound)
}

func TestSQLiteStore_MarkPermanentlyFailedBypassesCeiling(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("rejected")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.MarkPermanentlyFailed(ctx, entry.ID))

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPermanentlyFailed, got.Status)

	assert.ErrorIs(t, s.MarkPermanentlyFailed(ctx, "missing"), ErrNotFound)
}

func TestSQLiteStore_RetryEntryRevivesFailed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("second chance")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.ClaimEntry(ctx, entry.ID))
	status, err := s.RecordFailure(ctx, entry.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusPermanentlyFailed, status)

	require.NoError(t, s.RetryEntry(ctx, entry.ID))

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	// Retry on a pending entry is rejected.
	assert.ErrorIs(t, s.RetryEntry(ctx, entry.ID), ErrNotFound)
}

func TestSQLiteStore_QueueDepthCountsUndelivered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := newEntry("a")
	b := newEntry("b")
	require.NoError(t, s.EnqueueEntry(ctx, a))
	require.NoError(t, s.EnqueueEntry(ctx, b))
	require.NoError(t, s.ClaimEntry(ctx, a.ID))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestSQLiteStore_EntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "durable.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	entry := newEntry("survive me")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "survive me", entries[0].Payload.Message)
}

func TestSQLiteStore_CachedResponseRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.CachedResponse(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CacheResponse(ctx, "conv-1", "answer v1"))
	require.NoError(t, s.CacheResponse(ctx, "conv-1", "answer v2"))

	content, err := s.CachedResponse(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "answer v2", content)
}

func TestSQLiteStore_TemplateCacheRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTemplate(ctx, &CachedTemplate{
		Name:     "complaint",
		Title:    "File a complaint",
		Body:     "Dear office,",
		CachedAt: time.Now(),
	}))

	tmpl, err := s.GetTemplate(ctx, "complaint")
	require.NoError(t, err)
	assert.Equal(t, "File a complaint", tmpl.Title)
	assert.Equal(t, "Dear office,", tmpl.Body)

	_, err = s.GetTemplate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ReleaseStaleClaimsRevivesOldClaims(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := newEntry("stranded")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.ClaimEntry(ctx, entry.ID))

	// A fresh claim is left alone.
	released, err := s.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	pending, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// With a zero horizon the claim counts as stale and is revived.
	released, err = s.ReleaseStaleClaims(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	pending, err = s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.Equal(t, 0, pending[0].Attempts, "reclaiming does not count an attempt")
}

func TestSQLiteStore_StrandedClaimSurvivesReopenAndIsReclaimable(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "crash.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	entry := newEntry("crashed mid-delivery")
	require.NoError(t, s.EnqueueEntry(ctx, entry))
	require.NoError(t, s.ClaimEntry(ctx, entry.ID))
	require.NoError(t, s.Close())

	// New process: the old claim's owner is gone.
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	released, err := s.ReleaseStaleClaims(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	pending, err := s.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)
}
