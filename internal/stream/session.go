// ABOUTME: Stream session driving one in-flight response from dispatch to terminal state
// ABOUTME: Applies decoded events to an accumulator, supports cooperative cancellation

package stream

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/govassist/chat-relay/internal/sse"
)

// State is the lifecycle state of a session. Completed, Failed and
// Cancelled are terminal.
type State int

const (
	StateActive State = iota
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// artifactFence marks structured artifact content inside a completed
// response (e.g. a generated document the UI offers for download).
const artifactFence = "```artifact"

// Hooks are fired after a session completes. All fields are optional.
type Hooks struct {
	// OnUsageRefresh runs after every completion so usage counters can be
	// re-fetched.
	OnUsageRefresh func(ctx context.Context)
	// OnArtifact runs when the completed content carries an artifact block.
	OnArtifact func(ctx context.Context, content string)
	// OnSuggestions runs when the stream delivered follow-up prompts.
	OnSuggestions func(ctx context.Context, suggestions []string)
}

// Session owns one in-flight request/response exchange. Created by
// Client.Start in the Active state; destroyed by the orchestrator once a
// terminal state is reached.
type Session struct {
	mu             sync.Mutex
	state          State
	conversationID string
	accumulated    strings.Builder
	sources        []sse.Source
	suggestions    []string
	body           io.ReadCloser

	logger *slog.Logger
}

func newSession(conversationID string, body io.ReadCloser, logger *slog.Logger) *Session {
	return &Session{
		state:          StateActive,
		conversationID: conversationID,
		body:           body,
		logger:         logger,
	}
}

// ConversationID returns the conversation this session streams into.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the accumulated assistant output so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.String()
}

// Sources returns the buffered web-search citations, nil until received.
func (s *Session) Sources() []sse.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources
}

// Suggestions returns the buffered follow-up prompts, nil until received.
func (s *Session) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggestions
}

// Run consumes the stream until a terminal state. Each token is appended to
// the accumulator and handed to onToken immediately, in receipt order, with
// no buffering delay. Source and suggestion lists are buffered for the
// completed message, never surfaced as separate turns.
//
// Returns nil on completion or cancellation; a non-nil error means the
// session Failed mid-stream.
func (s *Session) Run(ctx context.Context, onToken func(text string), hooks *Hooks) error {
	defer s.body.Close()

	decoder := sse.NewDecoder(s.body, s.logger)

	for {
		event, err := decoder.Next()
		if err == io.EOF {
			// Graceful end without an explicit terminator still completes.
			s.complete(ctx, hooks)
			return nil
		}
		if err != nil {
			if s.State() == StateCancelled || ctx.Err() != nil {
				// The read failed because we released the reader; that is
				// cancellation, not a transport fault.
				s.setState(StateCancelled)
				return nil
			}
			s.setState(StateFailed)
			s.logger.Debug("stream read failed", "error", err)
			return err
		}

		// A cancelled session ignores further events; whatever text was
		// already applied stays.
		if s.State() == StateCancelled {
			return nil
		}

		switch event.Kind {
		case sse.KindToken:
			s.mu.Lock()
			s.accumulated.WriteString(event.Text)
			s.mu.Unlock()
			if onToken != nil {
				onToken(event.Text)
			}

		case sse.KindSourceList:
			s.mu.Lock()
			if s.sources == nil {
				s.sources = event.Sources
			}
			s.mu.Unlock()

		case sse.KindSuggestionList:
			s.mu.Lock()
			if s.suggestions == nil {
				s.suggestions = event.Suggestions
			}
			s.mu.Unlock()

		case sse.KindTerminator:
			s.complete(ctx, hooks)
			return nil
		}
	}
}

// Cancel releases the stream reader and transitions to Cancelled. It is
// cooperative: the underlying network request may keep running if the
// platform cannot abort it; the session simply stops consuming. Partially
// accumulated text stands. No-op once the session is terminal.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.mu.Unlock()

	s.body.Close()
	s.logger.Debug("session cancelled", "conversation_id", s.conversationID)
}

func (s *Session) complete(ctx context.Context, hooks *Hooks) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	content := s.accumulated.String()
	suggestions := s.suggestions
	s.mu.Unlock()

	s.logger.Debug("session completed",
		"conversation_id", s.conversationID,
		"content_len", len(content))

	if hooks == nil {
		return
	}
	if hooks.OnUsageRefresh != nil {
		hooks.OnUsageRefresh(ctx)
	}
	if hooks.OnArtifact != nil && strings.Contains(content, artifactFence) {
		hooks.OnArtifact(ctx, content)
	}
	if hooks.OnSuggestions != nil && len(suggestions) > 0 {
		hooks.OnSuggestions(ctx, suggestions)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == StateActive {
		s.state = state
	}
	s.mu.Unlock()
}
