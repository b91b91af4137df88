// ABOUTME: Background sync worker with its own processing loop
// ABOUTME: Drains the worker inbox, processes the queue, and reports outcomes to the page

package syncbus

import (
	"context"
	"log/slog"

	"github.com/govassist/chat-relay/internal/queue"
)

// QueueProcessor is what the worker needs from the offline queue.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) (*queue.ProcessResult, error)
	Depth(ctx context.Context) (int, error)
}

// ResponseCache stores completed responses for offline reuse.
type ResponseCache interface {
	CacheResponse(ctx context.Context, conversationID, content string) error
}

// TemplatePrecacher fetches and caches reference template bodies.
type TemplatePrecacher interface {
	Precache(ctx context.Context, names []string) error
}

// UpdateSource reports the latest available application version.
type UpdateSource interface {
	FetchAppVersion(ctx context.Context) (string, error)
}

// Worker is the long-lived background execution context. It runs its own
// loop, independently scheduled from the page, and talks to the page only
// through the bus. It drives queue processing and cache writes so they keep
// going even when the page is not focused.
type Worker struct {
	bus       *Bus
	queue     QueueProcessor
	cache     ResponseCache
	templates TemplatePrecacher
	updates   UpdateSource
	version   string
	logger    *slog.Logger
}

// NewWorker creates a worker. cache, templates and updates may be nil when
// the corresponding feature is not wired.
func NewWorker(bus *Bus, q QueueProcessor, cache ResponseCache, templates TemplatePrecacher, updates UpdateSource, currentVersion string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		bus:       bus,
		queue:     q,
		cache:     cache,
		templates: templates,
		updates:   updates,
		version:   currentVersion,
		logger:    logger.With("component", "worker"),
	}
}

// Run drains the worker inbox until ctx is cancelled or the bus closes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("background worker started")
	w.checkForUpdate(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("background worker stopping")
			return ctx.Err()
		case msg, ok := <-w.bus.WorkerInbox():
			if !ok {
				w.logger.Info("bus closed, background worker stopping")
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case ProcessQueue:
		w.processQueue(ctx)

	case ReportQueueDepth:
		w.reportDepth(ctx)

	case PrecacheTemplates:
		if w.templates == nil {
			return
		}
		if err := w.templates.Precache(ctx, m.Names); err != nil {
			w.logger.Error("template precache failed", "error", err)
		}

	case CacheResponse:
		if w.cache == nil {
			return
		}
		if err := w.cache.CacheResponse(ctx, m.ConversationID, m.Content); err != nil {
			w.logger.Error("response cache failed", "error", err, "conversation_id", m.ConversationID)
		}

	default:
		// Unknown types are ignored for forward compatibility.
		w.logger.Debug("ignoring unknown message", "type", msg.Type())
	}
}

// processQueue runs one delivery pass and announces every outcome to the
// page. The page owns conversation state; the worker only reports.
func (w *Worker) processQueue(ctx context.Context) {
	result, err := w.queue.ProcessQueue(ctx)
	if err != nil {
		w.logger.Error("queue processing failed", "error", err)
		return
	}

	for _, delivery := range result.Delivered {
		w.bus.SendToPage(EntryDelivered{
			EntryID:        delivery.Entry.ID,
			ConversationID: delivery.Result.ConversationID,
			Message:        delivery.Entry.Payload.Message,
			Reply:          delivery.Result.Reply,
		})
	}
	for _, entry := range result.PermanentlyFailed {
		w.bus.SendToPage(EntryFailed{
			EntryID: entry.ID,
			Message: entry.Payload.Message,
		})
	}
	if len(result.Delivered) > 0 || len(result.PermanentlyFailed) > 0 {
		w.reportDepth(ctx)
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	depth, err := w.queue.Depth(ctx)
	if err != nil {
		w.logger.Error("reading queue depth", "error", err)
		return
	}
	w.bus.SendToPage(QueueDepthChanged{Depth: depth})
}

// checkForUpdate announces a newer application version once at startup.
func (w *Worker) checkForUpdate(ctx context.Context) {
	if w.updates == nil {
		return
	}
	latest, err := w.updates.FetchAppVersion(ctx)
	if err != nil {
		w.logger.Debug("version check failed", "error", err)
		return
	}
	if latest != "" && latest != w.version {
		w.bus.SendToPage(UpdateAvailable{Version: latest})
	}
}
