// ABOUTME: Data types and sentinel errors for the durable delivery store
// ABOUTME: Defines QueueEntry lifecycle states and the offline cache records

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEntry is returned when an entry with the same id or
// idempotency key already exists.
var ErrDuplicateEntry = errors.New("queue entry already exists")

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	// StatusPending: waiting for a delivery attempt.
	StatusPending EntryStatus = "pending"
	// StatusDelivering: claimed by a delivery attempt in progress.
	StatusDelivering EntryStatus = "delivering"
	// StatusPermanentlyFailed: attempts exceeded the ceiling; only an
	// explicit user retry revives the entry.
	StatusPermanentlyFailed EntryStatus = "permanently_failed"
)

// Attachment is the metadata of a file attached to a queued message. The
// bytes themselves are uploaded separately; the queue only needs to re-send
// the reference.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Payload is the outgoing message a queue entry must deliver.
type Payload struct {
	Message     string       `json:"message"`
	Model       string       `json:"model"`
	AgentID     string       `json:"agent_id,omitempty"`
	Language    string       `json:"language,omitempty"`
	WebSearch   bool         `json:"web_search,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// QueueEntry is a durably persisted outgoing message awaiting delivery.
// Entries survive process restarts and are visible to both the foreground
// and the background sync worker.
type QueueEntry struct {
	ID             string
	ConversationID string // empty when the conversation is not created yet
	IdempotencyKey string
	Payload        Payload
	Status         EntryStatus
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CachedTemplate is a reference template body pre-cached for offline use.
type CachedTemplate struct {
	Name     string
	Title    string
	Body     string
	CachedAt time.Time
}
