// ABOUTME: In-memory conversation state store, the authoritative message list
// ABOUTME: Pure state container; mutated by the stream session or queue delivery only

package conversation

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAssistantOpen is returned when a new assistant message is opened while
// another one is still being streamed into.
var ErrAssistantOpen = errors.New("an assistant message is already open")

// ErrNoOpenAssistant is returned when a mutation targets the open assistant
// message but none is open.
var ErrNoOpenAssistant = errors.New("no assistant message is open")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is a web-search citation attached to an assistant message.
type Source struct {
	URL   string
	Title string
}

// Message is a single conversation turn. Once appended, only the Content and
// Sources of the last assistant message may change, and only while it is
// open (being streamed into).
type Message struct {
	Role     Role
	Content  string
	Sources  []Source
	RatingID string
}

// Store holds the message list of the active conversation. It performs no
// I/O; every mutation is published as a Change so a rendering layer can
// subscribe without this package knowing anything about presentation.
//
// Invariant: at most one assistant message is open at a time. A new send must
// settle (complete or cancel) the open message first.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	messages       []Message
	open           bool

	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewStore creates a store. The broadcaster may be nil when no one renders
// (tests, background tooling).
func NewStore(broadcaster *Broadcaster, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// ConversationID returns the id of the active conversation, "" if none.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// SetConversationID switches the active conversation id without touching
// messages. Used when the backend creates the conversation on first send.
func (s *Store) SetConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// ReplaceMessages swaps in a full message list, used on conversation switch
// or reload. Any open assistant message is discarded with the old list.
func (s *Store) ReplaceMessages(conversationID string, messages []Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = make([]Message, len(messages))
	copy(s.messages, messages)
	s.open = false
	s.mu.Unlock()

	s.publish(Change{Op: OpReplace, ConversationID: conversationID})
}

// AppendMessage adds a settled message to the end of the conversation.
func (s *Store) AppendMessage(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	convID := s.conversationID
	s.mu.Unlock()

	s.publish(Change{Op: OpAppend, ConversationID: convID, Message: msg})
}

// AppendSettledExchange adds settled messages, as produced by a queued
// delivery (the full user/assistant pair, or just the reply when the user
// turn is already in the list). When an assistant message is currently open
// the exchange is inserted before it so the open message stays last and
// streaming mutation keeps targeting it.
func (s *Store) AppendSettledExchange(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	convID := s.conversationID
	if s.open && len(s.messages) > 0 {
		insertAt := len(s.messages) - 1
		s.messages = append(s.messages[:insertAt],
			append(append([]Message{}, msgs...), s.messages[insertAt:]...)...)
		s.mu.Unlock()

		// Mid-list insert: subscribers re-read the whole list.
		s.publish(Change{Op: OpReplace, ConversationID: convID})
		return
	}
	s.messages = append(s.messages, msgs...)
	s.mu.Unlock()

	for _, msg := range msgs {
		s.publish(Change{Op: OpAppend, ConversationID: convID, Message: msg})
	}
}

// OpenAssistant appends an empty assistant message and marks it open for
// streaming mutation. Fails if another assistant message is still open.
func (s *Store) OpenAssistant() error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return ErrAssistantOpen
	}
	s.messages = append(s.messages, Message{Role: RoleAssistant})
	s.open = true
	convID := s.conversationID
	msg := s.messages[len(s.messages)-1]
	s.mu.Unlock()

	s.publish(Change{Op: OpAppend, ConversationID: convID, Message: msg})
	return nil
}

// MutateLastAssistant applies fn to the open assistant message. The role is
// fixed; fn may change content and sources only.
func (s *Store) MutateLastAssistant(fn func(*Message)) error {
	s.mu.Lock()
	if !s.open || len(s.messages) == 0 {
		s.mu.Unlock()
		return ErrNoOpenAssistant
	}
	last := &s.messages[len(s.messages)-1]
	fn(last)
	last.Role = RoleAssistant
	convID := s.conversationID
	msg := *last
	s.mu.Unlock()

	s.publish(Change{Op: OpMutate, ConversationID: convID, Message: msg})
	return nil
}

// SettleAssistant closes the open assistant message. Its accumulated content
// stands as-is; this is what makes cancelled partial answers final. Safe to
// call when nothing is open.
func (s *Store) SettleAssistant() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	convID := s.conversationID
	msg := s.messages[len(s.messages)-1]
	s.mu.Unlock()

	s.publish(Change{Op: OpSettle, ConversationID: convID, Message: msg})
}

// HasOpenAssistant reports whether an assistant message is currently open.
func (s *Store) HasOpenAssistant() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Messages returns a copy of the current message list.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastMessage returns the final message, if any.
func (s *Store) LastMessage() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func (s *Store) publish(change Change) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(change)
}
