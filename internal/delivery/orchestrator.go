// ABOUTME: Delivery orchestrator tying conversation state, streaming, and the offline queue together
// ABOUTME: Owns the connectivity flag, the active session, and the page side of the sync bus

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/govassist/chat-relay/internal/conversation"
	"github.com/govassist/chat-relay/internal/store"
	"github.com/govassist/chat-relay/internal/stream"
	"github.com/govassist/chat-relay/internal/syncbus"
)

// Canned assistant messages for terminal outcomes. These land in the
// conversation as settled turns so the user always gets an answer-shaped
// response, even to a rejection.
const (
	limitMessage   = "You've reached your usage limit for now. Your message was not sent; please try again later or upgrade your plan."
	tierMessage    = "This request needs a higher subscription tier. Your message was not sent."
	rejectMessage  = "The assistant can't respond to this request right now."
	failureMessage = "The connection dropped while receiving the response. Please send your message again."
)

// Queue is the offline queue surface the orchestrator drives. *queue.Manager
// satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, conversationID string, payload store.Payload) (*store.QueueEntry, error)
	Depth(ctx context.Context) (int, error)
}

// SyncRegistrar registers a durable wake-up with the platform so queued
// entries get a delivery attempt even if this process exits first. Optional;
// a nil registrar means the background worker's polling is the only trigger.
type SyncRegistrar interface {
	RegisterSync(ctx context.Context, tag string) error
}

// syncTag names the durable sync registration for queued outbound messages.
const syncTag = "outbox"

// RequestDefaults are the per-send request fields taken from configuration.
type RequestDefaults struct {
	Model     string
	AgentID   string
	Language  string
	WebSearch bool
}

// Callbacks surface worker notifications that have no conversation-state
// representation. All fields are optional.
type Callbacks struct {
	OnEntryFailed     func(entryID, message string)
	OnTemplateOffline func(name string)
	OnUpdateAvailable func(version string)
}

// Deps wires an Orchestrator. Broadcaster, Registrar, Hooks and Callbacks
// may be nil.
type Deps struct {
	Conversation *conversation.Store
	Broadcaster  *conversation.Broadcaster
	Client       *stream.Client
	Queue        Queue
	Bus          *syncbus.Bus
	Registrar    SyncRegistrar
	Defaults     RequestDefaults
	Hooks        *stream.Hooks
	Callbacks    *Callbacks
	Logger       *slog.Logger
}

// SendOptions adjust a single send.
type SendOptions struct {
	// OnToken receives each response token as it arrives.
	OnToken func(text string)
	// WebSearch overrides the configured default when non-nil.
	WebSearch *bool
}

// SendResult reports how a send ended up.
type SendResult struct {
	// Queued is true when the message was persisted for later delivery
	// instead of being sent. EntryID identifies the queue entry.
	Queued  bool
	EntryID string
	// Reply is the settled assistant text: the streamed response, a canned
	// rejection, or the partial text of a cancelled session.
	Reply string
	// Code is the backend rejection code, empty otherwise.
	Code string
}

// Orchestrator routes outgoing messages: streamed live while online, queued
// durably while offline, with the conversation store reflecting either path.
// It is the only component that mutates the conversation store; the
// background worker reports through the bus and this orchestrator applies
// the results.
type Orchestrator struct {
	conv        *conversation.Store
	broadcaster *conversation.Broadcaster
	client      *stream.Client
	queue       Queue
	bus         *syncbus.Bus
	registrar   SyncRegistrar
	defaults    RequestDefaults
	hooks       *stream.Hooks
	callbacks   Callbacks
	logger      *slog.Logger

	// sendMu serializes sends; mu guards the fields below.
	sendMu  sync.Mutex
	mu      sync.Mutex
	online  bool
	session *stream.Session
	// localTurns holds queue entry ids whose user message this orchestrator
	// already appended at enqueue time, so the delivery notification splices
	// only the reply instead of repeating the user turn.
	localTurns map[string]bool
}

// New creates an orchestrator. It starts offline until SetOnline(true); the
// caller decides what "online" means (a probe, a netlink event, a flag).
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		conv:        deps.Conversation,
		broadcaster: deps.Broadcaster,
		client:      deps.Client,
		queue:       deps.Queue,
		bus:         deps.Bus,
		registrar:   deps.Registrar,
		defaults:    deps.Defaults,
		hooks:       deps.Hooks,
		logger:      logger.With("component", "delivery"),
		localTurns:  make(map[string]bool),
	}
	if deps.Callbacks != nil {
		o.callbacks = *deps.Callbacks
	}
	return o
}

// Online reports the current connectivity flag.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline flips the connectivity flag. Going online broadcasts the change,
// kicks the background worker to drain the queue, and registers a durable
// sync exactly once per offline-to-online transition. Going offline only
// broadcasts. Repeated calls with the same value are no-ops.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	o.mu.Unlock()

	o.publish(conversation.Change{Op: conversation.OpConnectivity, Online: online})
	o.logger.Info("connectivity changed", "online", online)

	if !online {
		return
	}

	if o.bus != nil {
		o.bus.SendToWorker(syncbus.ProcessQueue{})
	}
	if o.registrar != nil {
		if err := o.registrar.RegisterSync(ctx, syncTag); err != nil {
			o.logger.Warn("sync registration failed", "error", err)
		}
	}
}

// Send routes one outgoing message. Any open assistant message is settled
// first (cancelling the session streaming into it). While offline, or when
// the backend turns out to be unreachable, the message is appended locally
// and queued; that is a successful send, not an error.
func (o *Orchestrator) Send(ctx context.Context, text string, opts *SendOptions) (*SendResult, error) {
	if opts == nil {
		opts = &SendOptions{}
	}

	// A previous send may still be streaming; cancel it so its partial text
	// settles and this send can open a fresh assistant message.
	o.Cancel()

	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	o.conv.SettleAssistant()
	o.conv.AppendMessage(conversation.Message{Role: conversation.RoleUser, Content: text})

	if !o.Online() {
		return o.enqueue(ctx, text, opts)
	}

	req := o.buildRequest(text, opts)
	session, err := o.client.Start(ctx, req, "")
	if err != nil {
		if errors.Is(err, stream.ErrUnreachable) {
			// The flag said online but the wire disagreed.
			o.SetOnline(ctx, false)
			return o.enqueue(ctx, text, opts)
		}

		var bizErr *stream.BusinessError
		if errors.As(err, &bizErr) {
			reply := cannedReply(bizErr.Code)
			o.conv.AppendMessage(conversation.Message{Role: conversation.RoleAssistant, Content: reply})
			o.logger.Warn("send rejected by backend", "code", bizErr.Code)
			return &SendResult{Reply: reply, Code: bizErr.Code}, nil
		}

		return nil, fmt.Errorf("starting stream: %w", err)
	}

	return o.runSession(ctx, session, opts)
}

// runSession streams one response into the conversation store.
func (o *Orchestrator) runSession(ctx context.Context, session *stream.Session, opts *SendOptions) (*SendResult, error) {
	o.conv.SetConversationID(session.ConversationID())
	if err := o.conv.OpenAssistant(); err != nil {
		session.Cancel()
		return nil, fmt.Errorf("opening assistant message: %w", err)
	}

	o.mu.Lock()
	o.session = session
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.session = nil
		o.mu.Unlock()
	}()

	runErr := session.Run(ctx, func(token string) {
		if err := o.conv.MutateLastAssistant(func(m *conversation.Message) {
			m.Content += token
		}); err != nil {
			o.logger.Error("applying token", "error", err)
		}
		if opts.OnToken != nil {
			opts.OnToken(token)
		}
	}, o.hooks)

	if runErr != nil {
		// Mid-stream failure: settle whatever arrived, then answer with one
		// synthetic error message. No automatic retry.
		o.conv.SettleAssistant()
		o.conv.AppendMessage(conversation.Message{Role: conversation.RoleAssistant, Content: failureMessage})
		o.logger.Warn("stream failed mid-response", "error", runErr)
		return &SendResult{Reply: failureMessage}, nil
	}

	// A cancelled session gets no further mutation beyond the text already
	// rendered; sources attach only to completed responses.
	if sources := session.Sources(); session.State() == stream.StateCompleted && len(sources) > 0 {
		if err := o.conv.MutateLastAssistant(func(m *conversation.Message) {
			m.Sources = make([]conversation.Source, len(sources))
			for i, src := range sources {
				m.Sources[i] = conversation.Source{URL: src.URL, Title: src.Title}
			}
		}); err != nil {
			o.logger.Error("attaching sources", "error", err)
		}
	}
	o.conv.SettleAssistant()

	if session.State() == stream.StateCompleted && o.bus != nil {
		o.bus.SendToWorker(syncbus.CacheResponse{
			ConversationID: session.ConversationID(),
			Content:        session.Text(),
		})
	}

	return &SendResult{Reply: session.Text()}, nil
}

// enqueue persists the message for later delivery and reports the new depth.
func (o *Orchestrator) enqueue(ctx context.Context, text string, opts *SendOptions) (*SendResult, error) {
	req := o.buildRequest(text, opts)
	entry, err := o.queue.Enqueue(ctx, o.conv.ConversationID(), store.Payload{
		Message:   req.Message,
		Model:     req.Model,
		AgentID:   req.AgentID,
		Language:  req.Language,
		WebSearch: req.WebSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("queuing message: %w", err)
	}

	o.mu.Lock()
	o.localTurns[entry.ID] = true
	o.mu.Unlock()

	if depth, err := o.queue.Depth(ctx); err == nil {
		o.publish(conversation.Change{Op: conversation.OpQueueDepth, Depth: depth})
	}
	return &SendResult{Queued: true, EntryID: entry.ID}, nil
}

// Cancel stops the active streaming session, if any. The partial text stays
// in the conversation; the open assistant message settles once the session's
// Run call returns.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

func (o *Orchestrator) buildRequest(text string, opts *SendOptions) *stream.Request {
	webSearch := o.defaults.WebSearch
	if opts.WebSearch != nil {
		webSearch = *opts.WebSearch
	}
	return &stream.Request{
		ConversationID: o.conv.ConversationID(),
		Message:        text,
		Model:          o.defaults.Model,
		AgentID:        o.defaults.AgentID,
		Language:       o.defaults.Language,
		WebSearch:      webSearch,
	}
}

func (o *Orchestrator) publish(change conversation.Change) {
	if o.broadcaster == nil {
		return
	}
	change.ConversationID = o.conv.ConversationID()
	o.broadcaster.Publish(change)
}

func cannedReply(code string) string {
	switch code {
	case stream.CodeLimitExceeded:
		return limitMessage
	case stream.CodeTierRequired:
		return tierMessage
	default:
		return rejectMessage
	}
}
