// ABOUTME: Tests for the change broadcaster
// ABOUTME: Verifies fan-out, slow-subscriber drops, and subscription cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_SingleSubscriberReceivesChange(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())
	b.Publish(Change{Op: OpAppend, Message: Message{Role: RoleUser, Content: "hi"}})

	select {
	case change := <-ch:
		assert.Equal(t, OpAppend, change.Op)
		assert.Equal(t, "hi", change.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameChange(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(context.Background())
	ch2, _ := b.Subscribe(context.Background())

	b.Publish(Change{Op: OpConnectivity, Online: true})

	for _, ch := range []<-chan Change{ch1, ch2} {
		select {
		case change := <-ch:
			assert.Equal(t, OpConnectivity, change.Op)
			assert.True(t, change.Online)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Never drained; fill the buffer and keep publishing.
	b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(Change{Op: OpMutate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	// Channel is closed once cleanup runs.
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background())
	b.Unsubscribe(subID)
	b.Unsubscribe(subID) // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(context.Background())
	ch2, _ := b.Subscribe(context.Background())
	b.Close()

	_, open1 := <-ch1
	_, open2 := <-ch2
	assert.False(t, open1)
	assert.False(t, open2)

	// Publishing after close is a no-op, not a panic.
	b.Publish(Change{Op: OpAppend})
}
