// ABOUTME: Offline queue manager guaranteeing eventual delivery or explicit failure
// ABOUTME: FIFO processing with idempotency claims, attempt ceilings, and rate pacing

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/govassist/chat-relay/internal/dedupe"
	"github.com/govassist/chat-relay/internal/store"
	"github.com/govassist/chat-relay/internal/stream"
)

const (
	// claimTTL bounds how long an in-process claim suppresses a second
	// delivery attempt for the same key.
	claimTTL = 5 * time.Minute
	// claimCacheSize bounds the claim cache; far above any plausible queue.
	claimCacheSize = 4096
)

// EntryStore is what the manager needs from durable storage.
type EntryStore interface {
	EnqueueEntry(ctx context.Context, entry *store.QueueEntry) error
	PendingEntries(ctx context.Context) ([]*store.QueueEntry, error)
	FailedEntries(ctx context.Context) ([]*store.QueueEntry, error)
	ClaimEntry(ctx context.Context, id string) error
	ReleaseEntry(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id, idempotencyKey string) error
	MarkPermanentlyFailed(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, maxAttempts int) (store.EntryStatus, error)
	RetryEntry(ctx context.Context, id string) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)
	QueueDepth(ctx context.Context) (int, error)
	SeenKey(ctx context.Context, idempotencyKey string) (bool, error)
}

// Sender delivers one queued payload through the same network path as a
// live send. *stream.Client satisfies it.
type Sender interface {
	Deliver(ctx context.Context, req *stream.Request, idempotencyKey string) (*stream.DeliveryResult, error)
}

// Config tunes delivery policy. The attempt ceiling is policy, not protocol:
// callers set it from configuration.
type Config struct {
	MaxAttempts int     // delivery attempts before permanently_failed
	RatePerSec  float64 // delivery attempts per second on a processing pass
	Burst       int
	ClaimTTL    time.Duration // how long a delivery claim suppresses another attempt
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = claimTTL
	}
}

// Delivery is one successfully delivered entry with its backend result.
type Delivery struct {
	Entry  *store.QueueEntry
	Result *stream.DeliveryResult
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Delivered         []Delivery
	PermanentlyFailed []*store.QueueEntry
	Skipped           int // claimed elsewhere or already delivered
	Stopped           bool
}

// Manager owns the durable offline queue. Entries it accepts are delivered
// eventually or surfaced as permanently failed; they are never silently
// dropped.
type Manager struct {
	entries EntryStore
	sender  Sender
	claims  *dedupe.Cache
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewManager creates a queue manager.
func NewManager(entries EntryStore, sender Sender, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Manager{
		entries: entries,
		sender:  sender,
		claims:  dedupe.New(cfg.ClaimTTL, claimCacheSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
		logger:  logger.With("component", "queue"),
	}
}

// Enqueue persists an outgoing message and returns immediately; delivery
// happens on a later ProcessQueue pass. A fresh idempotency key is minted
// here and travels with the entry for its whole life.
func (m *Manager) Enqueue(ctx context.Context, conversationID string, payload store.Payload) (*store.QueueEntry, error) {
	now := time.Now()
	entry := &store.QueueEntry{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		IdempotencyKey: uuid.New().String(),
		Payload:        payload,
		Status:         store.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.entries.EnqueueEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueuing entry: %w", err)
	}

	m.logger.Info("message enqueued for offline delivery",
		"entry_id", entry.ID,
		"conversation_id", conversationID)
	return entry, nil
}

// ProcessQueue attempts delivery of all pending entries in enqueue order.
// Safe to call concurrently from the foreground and the background worker:
// in-process claims and the durable claim transition let exactly one
// attempt proceed per entry, and delivered idempotency keys are discarded
// as duplicates.
//
// A transport failure stops the pass (later entries would jump the order);
// a business rejection marks the entry permanently failed and continues.
func (m *Manager) ProcessQueue(ctx context.Context) (*ProcessResult, error) {
	// A pass that died between claiming and recording an outcome leaves its
	// entry stuck in delivering; reclaim such entries once the claim ages out.
	if _, err := m.entries.ReleaseStaleClaims(ctx, m.cfg.ClaimTTL); err != nil {
		m.logger.Error("releasing stale claims", "error", err)
	}

	pending, err := m.entries.PendingEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending entries: %w", err)
	}

	result := &ProcessResult{}
	for _, entry := range pending {
		if ctx.Err() != nil {
			result.Stopped = true
			break
		}

		if stop := m.processEntry(ctx, entry, result); stop {
			result.Stopped = true
			break
		}
	}
	return result, nil
}

// processEntry attempts one entry. Returns true when the pass should end to
// preserve enqueue ordering.
func (m *Manager) processEntry(ctx context.Context, entry *store.QueueEntry, result *ProcessResult) bool {
	// Delivered by the other context already? Drop our copy of the work.
	seen, err := m.entries.SeenKey(ctx, entry.IdempotencyKey)
	if err != nil {
		m.logger.Error("checking delivered key", "error", err, "entry_id", entry.ID)
		return true
	}
	if seen {
		// The row may still exist if a previous run stopped between the
		// backend accepting and the local cleanup; finish the cleanup.
		if err := m.entries.MarkDelivered(ctx, entry.ID, entry.IdempotencyKey); err != nil {
			m.logger.Error("cleaning up delivered entry", "error", err, "entry_id", entry.ID)
		}
		result.Skipped++
		return false
	}

	// In-process claim: a concurrent pass in this process skips the entry.
	if m.claims.CheckAndMark(entry.IdempotencyKey) {
		m.logger.Debug("entry claimed by concurrent pass", "entry_id", entry.ID)
		result.Skipped++
		return false
	}

	// Durable claim: a concurrent pass in the other context skips it.
	if err := m.entries.ClaimEntry(ctx, entry.ID); err != nil {
		m.claims.Forget(entry.IdempotencyKey)
		if errors.Is(err, store.ErrNotFound) {
			result.Skipped++
			return false
		}
		m.logger.Error("claiming entry", "error", err, "entry_id", entry.ID)
		return true
	}

	if err := m.limiter.Wait(ctx); err != nil {
		m.claims.Forget(entry.IdempotencyKey)
		m.releaseClaim(entry)
		return true
	}

	req := &stream.Request{
		ConversationID: entry.ConversationID,
		Message:        entry.Payload.Message,
		Model:          entry.Payload.Model,
		AgentID:        entry.Payload.AgentID,
		WebSearch:      entry.Payload.WebSearch,
		Language:       entry.Payload.Language,
	}

	deliveryResult, err := m.sender.Deliver(ctx, req, entry.IdempotencyKey)
	if err != nil {
		m.claims.Forget(entry.IdempotencyKey)

		var bizErr *stream.BusinessError
		if errors.As(err, &bizErr) {
			// Retrying cannot change a business rejection.
			m.logger.Warn("entry rejected by backend",
				"entry_id", entry.ID,
				"code", bizErr.Code)
			if err := m.entries.MarkPermanentlyFailed(ctx, entry.ID); err != nil {
				m.logger.Error("marking entry failed", "error", err, "entry_id", entry.ID)
			}
			entry.Status = store.StatusPermanentlyFailed
			result.PermanentlyFailed = append(result.PermanentlyFailed, entry)
			return false
		}

		status, recordErr := m.entries.RecordFailure(ctx, entry.ID, m.cfg.MaxAttempts)
		if recordErr != nil {
			m.logger.Error("recording delivery failure", "error", recordErr, "entry_id", entry.ID)
			return true
		}
		m.logger.Warn("delivery attempt failed",
			"entry_id", entry.ID,
			"status", string(status),
			"error", err)
		if status == store.StatusPermanentlyFailed {
			entry.Status = status
			entry.Attempts++
			result.PermanentlyFailed = append(result.PermanentlyFailed, entry)
			return false
		}
		// Entry is pending again; stop so a later pass retries in order.
		return true
	}

	if err := m.entries.MarkDelivered(ctx, entry.ID, entry.IdempotencyKey); err != nil {
		// The backend accepted the message; the delivered key makes the next
		// pass treat the stale row as a duplicate instead of re-sending.
		m.logger.Error("marking entry delivered", "error", err, "entry_id", entry.ID)
	}

	m.logger.Info("queued entry delivered",
		"entry_id", entry.ID,
		"conversation_id", deliveryResult.ConversationID)
	result.Delivered = append(result.Delivered, Delivery{Entry: entry, Result: deliveryResult})
	return false
}

// releaseClaim returns a claimed entry to pending after an aborted attempt,
// without counting a delivery attempt.
func (m *Manager) releaseClaim(entry *store.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.entries.ReleaseEntry(ctx, entry.ID); err != nil {
		m.logger.Error("releasing claimed entry", "error", err, "entry_id", entry.ID)
	}
}

// Depth returns the number of undelivered entries.
func (m *Manager) Depth(ctx context.Context) (int, error) {
	return m.entries.QueueDepth(ctx)
}

// Failed lists permanently failed entries for the user-visible retry
// affordance.
func (m *Manager) Failed(ctx context.Context) ([]*store.QueueEntry, error) {
	return m.entries.FailedEntries(ctx)
}

// Retry revives a permanently failed entry for another round of attempts.
func (m *Manager) Retry(ctx context.Context, entryID string) error {
	if err := m.entries.RetryEntry(ctx, entryID); err != nil {
		return fmt.Errorf("retrying entry %s: %w", entryID, err)
	}
	m.logger.Info("failed entry queued for retry", "entry_id", entryID)
	return nil
}
