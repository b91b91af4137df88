// ABOUTME: Bidirectional fire-and-forget message bus between page and worker
// ABOUTME: Buffered channels, non-blocking sends, no shared memory across contexts

package syncbus

import (
	"log/slog"
	"sync"
)

// inboxSize buffers bursts (e.g. a reconnect posting process-queue plus
// several cache requests at once) without ever blocking a sender.
const inboxSize = 64

// Bus is the message-passing bridge between the foreground page and the
// background worker. Sends are fire-and-forget: the sender never blocks and
// never learns whether the other side is running. When an inbox is full the
// message is dropped with a warning, mirroring a postMessage to a dead
// worker.
type Bus struct {
	mu       sync.Mutex
	toWorker chan Message
	toPage   chan Message
	closed   bool
	logger   *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		toWorker: make(chan Message, inboxSize),
		toPage:   make(chan Message, inboxSize),
		logger:   logger.With("component", "syncbus"),
	}
}

// SendToWorker posts a message to the worker inbox without blocking.
func (b *Bus) SendToWorker(msg Message) {
	b.send(b.toWorker, msg, "worker")
}

// SendToPage posts a message to the page inbox without blocking.
func (b *Bus) SendToPage(msg Message) {
	b.send(b.toPage, msg, "page")
}

func (b *Bus) send(ch chan Message, msg Message, dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case ch <- msg:
	default:
		b.logger.Warn("dropping message, inbox full", "dest", dest, "type", msg.Type())
	}
}

// WorkerInbox is the channel the background worker drains.
func (b *Bus) WorkerInbox() <-chan Message {
	return b.toWorker
}

// PageInbox is the channel the foreground drains.
func (b *Bus) PageInbox() <-chan Message {
	return b.toPage
}

// Close closes both inboxes. Further sends are silently discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.toWorker)
	close(b.toPage)
}
