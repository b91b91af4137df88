// ABOUTME: Foreground drain of worker-to-page notifications
// ABOUTME: Applies queued delivery results to the conversation store on the page side

package delivery

import (
	"context"

	"github.com/govassist/chat-relay/internal/conversation"
	"github.com/govassist/chat-relay/internal/syncbus"
)

// RunPageLoop drains worker notifications until ctx is cancelled or the bus
// closes. The worker never touches the conversation store; everything it
// reports crosses the bus and is applied here, on the foreground.
func (o *Orchestrator) RunPageLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-o.bus.PageInbox():
			if !ok {
				return nil
			}
			o.handlePageMessage(msg)
		}
	}
}

func (o *Orchestrator) handlePageMessage(msg syncbus.Message) {
	switch m := msg.(type) {
	case syncbus.EntryDelivered:
		o.spliceDelivered(m)

	case syncbus.QueueDepthChanged:
		o.publish(conversation.Change{Op: conversation.OpQueueDepth, Depth: m.Depth})

	case syncbus.EntryFailed:
		// The locally rendered user turn stays; only the tracking goes.
		o.mu.Lock()
		delete(o.localTurns, m.EntryID)
		o.mu.Unlock()
		o.logger.Warn("queued entry permanently failed",
			"entry_id", m.EntryID)
		if o.callbacks.OnEntryFailed != nil {
			o.callbacks.OnEntryFailed(m.EntryID, m.Message)
		}

	case syncbus.TemplateServedOffline:
		if o.callbacks.OnTemplateOffline != nil {
			o.callbacks.OnTemplateOffline(m.Name)
		}

	case syncbus.UpdateAvailable:
		o.logger.Info("application update available", "version", m.Version)
		if o.callbacks.OnUpdateAvailable != nil {
			o.callbacks.OnUpdateAvailable(m.Version)
		}

	default:
		o.logger.Debug("ignoring unknown page message", "type", msg.Type())
	}
}

// spliceDelivered reconciles a background delivery into the conversation.
// When this orchestrator appended the user turn at enqueue time, only the
// reply is spliced in; after a reload the local turn is gone and the full
// pair lands. An in-flight streaming response keeps its place at the end of
// the list either way.
func (o *Orchestrator) spliceDelivered(m syncbus.EntryDelivered) {
	o.mu.Lock()
	haveUserTurn := o.localTurns[m.EntryID]
	delete(o.localTurns, m.EntryID)
	o.mu.Unlock()

	current := o.conv.ConversationID()
	switch {
	case current == "":
		o.conv.SetConversationID(m.ConversationID)
	case current != m.ConversationID:
		// Delivered into some other conversation; nothing to show here.
		o.logger.Debug("delivered entry belongs to another conversation",
			"entry_id", m.EntryID,
			"conversation_id", m.ConversationID)
		return
	}

	if haveUserTurn {
		o.conv.AppendSettledExchange(
			conversation.Message{Role: conversation.RoleAssistant, Content: m.Reply},
		)
	} else {
		o.conv.AppendSettledExchange(
			conversation.Message{Role: conversation.RoleUser, Content: m.Message},
			conversation.Message{Role: conversation.RoleAssistant, Content: m.Reply},
		)
	}
	o.logger.Info("queued exchange applied to conversation",
		"entry_id", m.EntryID,
		"conversation_id", m.ConversationID)
}
