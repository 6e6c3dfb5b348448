package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/messaging"
	testutils "github.com/trezcool/masomo/tests"
)

func newMsg(convID string, i int) messaging.Message {
	return messaging.Message{ID: fmt.Sprintf("%s-m%d", convID, i), ConversationID: convID, Content: fmt.Sprintf("msg %d", i)}
}

func receive(t *testing.T, sub messaging.Subscription) messaging.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return messaging.Message{}
}

func TestHub_PublishOrderAndIsolation(t *testing.T) {
	hub := NewHub(16, testutils.NewLogger(), nil)
	defer hub.Close()
	ctx := context.Background()

	subA1, err := hub.Subscribe(ctx, "a")
	require.NoError(t, err)
	subA2, err := hub.Subscribe(ctx, "a")
	require.NoError(t, err)
	subB, err := hub.Subscribe(ctx, "b")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, newMsg("a", i)))
	}
	require.NoError(t, hub.Publish(ctx, newMsg("b", 0)))

	for _, sub := range []messaging.Subscription{subA1, subA2} {
		for i := 0; i < 5; i++ {
			assert.Equal(t, newMsg("a", i), receive(t, sub))
		}
	}
	assert.Equal(t, newMsg("b", 0), receive(t, subB))
	assert.Equal(t, 2, hub.Subscribers("a"))
}

func TestHub_SubscribeSeesOnlyLaterMessages(t *testing.T) {
	hub := NewHub(16, testutils.NewLogger(), nil)
	defer hub.Close()
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, newMsg("a", 0)))
	sub, err := hub.Subscribe(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, newMsg("a", 1)))

	assert.Equal(t, newMsg("a", 1), receive(t, sub))
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(16, testutils.NewLogger(), nil)
	defer hub.Close()

	t.Run("by subscriber", func(t *testing.T) {
		sub, err := hub.Subscribe(context.Background(), "a")
		require.NoError(t, err)
		sub.Close()
		sub.Close() // idempotent

		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.NoError(t, sub.Err())
		assert.Equal(t, 0, hub.Subscribers("a"))
	})

	t.Run("by context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := hub.Subscribe(ctx, "a")
		require.NoError(t, err)
		cancel()

		select {
		case _, ok := <-sub.Messages():
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("subscription not closed on cancel")
		}
		assert.Eventually(t, func() bool { return hub.Subscribers("a") == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("hub closed", func(t *testing.T) {
		h := NewHub(1, testutils.NewLogger(), nil)
		sub, err := h.Subscribe(context.Background(), "a")
		require.NoError(t, err)
		require.NoError(t, h.Close())

		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.Equal(t, ErrHubClosed, sub.Err())
		assert.Equal(t, ErrHubClosed, h.Publish(context.Background(), newMsg("a", 0)))
		_, err = h.Subscribe(context.Background(), "a")
		assert.Equal(t, ErrHubClosed, err)
	})
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	hub := NewHub(2, testutils.NewLogger(), metrics)
	defer hub.Close()
	ctx := context.Background()

	slow, err := hub.Subscribe(ctx, "a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(ctx, newMsg("a", i)))
	}

	// buffered messages are still readable, then the feed ends
	assert.Equal(t, newMsg("a", 0), receive(t, slow))
	assert.Equal(t, newMsg("a", 1), receive(t, slow))
	_, ok := <-slow.Messages()
	assert.False(t, ok)
	assert.Equal(t, ErrSlowSubscriber, slow.Err())

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Published))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Delivered))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Dropped))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Subscribers))
}
