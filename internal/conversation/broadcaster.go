// ABOUTME: Fan-out of conversation state changes to rendering subscribers
// ABOUTME: Non-blocking publish with per-subscriber buffered channels

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. A renderer
// that falls further behind than this starts losing intermediate token
// updates, which is acceptable: the settle change carries the full message.
const subscriberBufferSize = 64

// Op identifies what kind of state change occurred.
type Op int

const (
	// OpAppend: a message was appended (user turn, or a new open assistant).
	OpAppend Op = iota
	// OpMutate: the open assistant message changed (token applied, sources set).
	OpMutate
	// OpReplace: the whole message list was swapped (conversation switch).
	OpReplace
	// OpSettle: the open assistant message reached a terminal state.
	OpSettle
	// OpConnectivity: the online/offline flag flipped.
	OpConnectivity
	// OpQueueDepth: the number of pending offline entries changed.
	OpQueueDepth
)

// Change is one published state transition. Message is set for OpAppend,
// OpMutate and OpSettle; Online for OpConnectivity; Depth for OpQueueDepth.
type Change struct {
	Op             Op
	ConversationID string
	Message        Message
	Online         bool
	Depth          int
}

// Broadcaster provides in-memory pub/sub for conversation Changes. The
// rendering layer subscribes here; nothing in the delivery pipeline knows
// what a subscriber does with a change.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. Returns the change channel and a
// subscription id for manual unsubscription. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	ch, ok := b.subscribers[subID]
	if ok {
		delete(b.subscribers, subID)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
		b.logger.Debug("subscriber removed", "sub_id", subID)
	}
}

// Publish sends a change to all subscribers. Non-blocking: a subscriber
// whose buffer is full misses this change rather than stalling the
// publisher.
func (b *Broadcaster) Publish(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		select {
		case ch <- change:
		default:
			b.logger.Debug("dropping change for slow subscriber", "sub_id", subID, "op", change.Op)
		}
	}
}

// Close shuts down the broadcaster, closing all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
}
