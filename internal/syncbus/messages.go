// ABOUTME: Typed message vocabulary for the page/background-worker channel
// ABOUTME: Tagged union of one-way notifications, no request/response correlation

package syncbus

// Message is one fire-and-forget notification crossing the channel. The
// vocabulary is closed on purpose: a switch over the concrete types is
// exhaustively checkable, unlike string-keyed dispatch. Receivers ignore
// types they do not know.
type Message interface {
	Type() string
}

// Page -> worker messages.

// ProcessQueue asks the worker to attempt delivery of pending entries now.
type ProcessQueue struct{}

func (ProcessQueue) Type() string { return "process_queue" }

// ReportQueueDepth asks the worker to announce the current queue depth.
type ReportQueueDepth struct{}

func (ReportQueueDepth) Type() string { return "report_queue_depth" }

// PrecacheTemplates asks the worker to cache reference template bodies for
// offline use.
type PrecacheTemplates struct {
	Names []string
}

func (PrecacheTemplates) Type() string { return "precache_templates" }

// CacheResponse asks the worker to store a completed response for offline
// reuse.
type CacheResponse struct {
	ConversationID string
	Content        string
}

func (CacheResponse) Type() string { return "cache_response" }

// Worker -> page messages.

// QueueDepthChanged announces the number of undelivered entries.
type QueueDepthChanged struct {
	Depth int
}

func (QueueDepthChanged) Type() string { return "queue_depth_changed" }

// EntryDelivered announces that a queued entry reached the backend. The
// page reconciles the conversation state when it observes this; the worker
// never mutates conversation state directly.
type EntryDelivered struct {
	EntryID        string
	ConversationID string
	Message        string
	Reply          string
}

func (EntryDelivered) Type() string { return "entry_delivered" }

// EntryFailed announces that an entry exhausted its delivery attempts and
// needs a user-visible retry affordance.
type EntryFailed struct {
	EntryID string
	Message string
}

func (EntryFailed) Type() string { return "entry_failed" }

// TemplateServedOffline announces that a cached template body was served
// while the network was unavailable.
type TemplateServedOffline struct {
	Name string
}

func (TemplateServedOffline) Type() string { return "template_served_offline" }

// UpdateAvailable announces that a newer application version exists.
type UpdateAvailable struct {
	Version string
}

func (UpdateAvailable) Type() string { return "update_available" }
