// ABOUTME: Tests for the conversation state store
// ABOUTME: Verifies append/mutate/settle semantics and the open-assistant invariant

package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendMessage(t *testing.T) {
	s := NewStore(nil, nil)

	s.AppendMessage(Message{Role: RoleUser, Content: "Hello"})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestStore_OpenAssistantAppendsEmptyMessage(t *testing.T) {
	s := NewStore(nil, nil)
	s.AppendMessage(Message{Role: RoleUser, Content: "Hi"})

	require.NoError(t, s.OpenAssistant())

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].Content)
	assert.True(t, s.HasOpenAssistant())
}

func TestStore_OpenAssistantTwiceFails(t *testing.T) {
	s := NewStore(nil, nil)

	require.NoError(t, s.OpenAssistant())
	err := s.OpenAssistant()

	assert.ErrorIs(t, err, ErrAssistantOpen)
}

func TestStore_MutateLastAssistantAppendsTokens(t *testing.T) {
	s := NewStore(nil, nil)
	require.NoError(t, s.OpenAssistant())

	for _, tok := range []string{"Hi", " there"} {
		err := s.MutateLastAssistant(func(m *Message) {
			m.Content += tok
		})
		require.NoError(t, err)
	}

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "Hi there", last.Content)
}

func TestStore_MutateWithoutOpenFails(t *testing.T) {
	s := NewStore(nil, nil)
	s.AppendMessage(Message{Role: RoleUser, Content: "x"})

	err := s.MutateLastAssistant(func(m *Message) { m.Content = "y" })

	assert.ErrorIs(t, err, ErrNoOpenAssistant)
	last, _ := s.LastMessage()
	assert.Equal(t, "x", last.Content)
}

func TestStore_SettleKeepsAccumulatedText(t *testing.T) {
	s := NewStore(nil, nil)
	require.NoError(t, s.OpenAssistant())
	require.NoError(t, s.MutateLastAssistant(func(m *Message) { m.Content = "partial" }))

	s.SettleAssistant()

	assert.False(t, s.HasOpenAssistant())
	last, _ := s.LastMessage()
	assert.Equal(t, "partial", last.Content)

	// Settled message can no longer be mutated.
	err := s.MutateLastAssistant(func(m *Message) { m.Content = "clobbered" })
	assert.ErrorIs(t, err, ErrNoOpenAssistant)
}

func TestStore_SettleWithoutOpenIsNoop(t *testing.T) {
	s := NewStore(nil, nil)
	s.SettleAssistant()
	assert.Empty(t, s.Messages())
}

func TestStore_ReplaceMessagesDiscardsOpenState(t *testing.T) {
	s := NewStore(nil, nil)
	require.NoError(t, s.OpenAssistant())

	s.ReplaceMessages("conv-2", []Message{
		{Role: RoleUser, Content: "old question"},
		{Role: RoleAssistant, Content: "old answer"},
	})

	assert.Equal(t, "conv-2", s.ConversationID())
	assert.False(t, s.HasOpenAssistant())
	require.Len(t, s.Messages(), 2)
}

func TestStore_MessagesReturnsCopy(t *testing.T) {
	s := NewStore(nil, nil)
	s.AppendMessage(Message{Role: RoleUser, Content: "original"})

	msgs := s.Messages()
	msgs[0].Content = "mutated"

	last, _ := s.LastMessage()
	assert.Equal(t, "original", last.Content)
}

func TestStore_PublishesChanges(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	s := NewStore(b, nil)

	ch, _ := b.Subscribe(context.Background())

	s.AppendMessage(Message{Role: RoleUser, Content: "Hi"})
	require.NoError(t, s.OpenAssistant())
	require.NoError(t, s.MutateLastAssistant(func(m *Message) { m.Content = "He" }))
	s.SettleAssistant()

	ops := make([]Op, 0, 4)
	for i := 0; i < 4; i++ {
		change := <-ch
		ops = append(ops, change.Op)
	}
	assert.Equal(t, []Op{OpAppend, OpAppend, OpMutate, OpSettle}, ops)
}

func TestStore_MutateSourcesAttachedToMessage(t *testing.T) {
	s := NewStore(nil, nil)
	require.NoError(t, s.OpenAssistant())

	require.NoError(t, s.MutateLastAssistant(func(m *Message) {
		m.Content = "Hi there"
		m.Sources = []Source{{URL: "a"}}
	}))
	s.SettleAssistant()

	last, _ := s.LastMessage()
	assert.Equal(t, "Hi there", last.Content)
	require.Len(t, last.Sources, 1)
	assert.Equal(t, "a", last.Sources[0].URL)
}

func TestStore_AppendSettledExchangeAtTail(t *testing.T) {
	s := NewStore(nil, nil)
	s.AppendMessage(Message{Role: RoleUser, Content: "earlier"})

	s.AppendSettledExchange(
		Message{Role: RoleUser, Content: "queued question"},
		Message{Role: RoleAssistant, Content: "queued answer"},
	)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "queued question", msgs[1].Content)
	assert.Equal(t, "queued answer", msgs[2].Content)
}

func TestStore_AppendSettledExchangeKeepsOpenAssistantLast(t *testing.T) {
	s := NewStore(nil, nil)
	s.AppendMessage(Message{Role: RoleUser, Content: "live question"})
	require.NoError(t, s.OpenAssistant())
	require.NoError(t, s.MutateLastAssistant(func(m *Message) { m.Content = "stream" }))

	s.AppendSettledExchange(
		Message{Role: RoleUser, Content: "queued question"},
		Message{Role: RoleAssistant, Content: "queued answer"},
	)

	// Streaming still targets the open message, now at the end.
	require.NoError(t, s.MutateLastAssistant(func(m *Message) { m.Content += "ing" }))

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "queued question", msgs[1].Content)
	assert.Equal(t, "queued answer", msgs[2].Content)
	assert.Equal(t, "streaming", msgs[3].Content)
}
