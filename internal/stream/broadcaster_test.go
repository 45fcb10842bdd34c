// ABOUTME: Tests for the stream event broadcaster
// ABOUTME: Covers subscribe, publish, isolation, unsubscribe and context cancellation

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish(NewMessageContent("conv-1", "m-1", "c-1"))

	select {
	case received := <-ch:
		assert.Equal(t, TypeNewMessageContent, received.Type)
		assert.Equal(t, "conv-1", received.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish(InternalError("conv-1", "boom"))

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, TypeSystemInternalError, received.Type, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Publish(NewMessageContent("conv-1", "m-1", "c-1"))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("conv-1 subscriber timed out")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("conv-2 subscriber should receive nothing, got %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), "conv-1")
	b.Unsubscribe("conv-1", subID)

	_, open := <-ch
	assert.False(t, open, "channel should be closed")
	assert.Equal(t, 0, b.SubscriberCount("conv-1"))
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx, "conv-1")
	assert.Equal(t, 1, b.SubscriberCount("conv-1"))

	cancel()

	assert.Eventually(t, func() bool {
		return b.SubscriberCount("conv-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Subscribe(t.Context(), "conv-1") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(NewMessageContent("conv-1", "m", "c"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
