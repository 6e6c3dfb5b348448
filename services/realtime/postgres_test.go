package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/messaging"
	testutils "github.com/trezcool/masomo/tests"
)

type fakeListener struct {
	notify chan *pq.Notification
	pings  int32
	closed int32
}

func (l *fakeListener) NotificationChannel() <-chan *pq.Notification { return l.notify }

func (l *fakeListener) Ping() error {
	atomic.AddInt32(&l.pings, 1)
	return nil
}

func (l *fakeListener) Close() error {
	atomic.AddInt32(&l.closed, 1)
	return nil
}

type messageGetterFunc func(ctx context.Context, id string) (messaging.Message, error)

func (f messageGetterFunc) GetMessage(ctx context.Context, id string) (messaging.Message, error) {
	return f(ctx, id)
}

// getMessage serves ids shaped as CONVERSATION-mN.
var getMessage = messageGetterFunc(func(_ context.Context, id string) (messaging.Message, error) {
	convID, _, ok := strings.Cut(id, "-")
	if !ok {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	return messaging.Message{ID: id, ConversationID: convID}, nil
})

func notify(id, convID string) *pq.Notification {
	payload, _ := json.Marshal(notification{ID: id, ConversationID: convID})
	return &pq.Notification{Channel: "messages", Extra: string(payload)}
}

func newTestPostgresBroker(l *fakeListener) *PostgresBroker {
	logger := testutils.NewLogger()
	return &PostgresBroker{
		Hub:      NewHub(16, logger, nil),
		listener: l,
		channel:  "messages",
		messages: getMessage,
		logger:   logger,
	}
}

func TestPostgresBroker_Run(t *testing.T) {
	defer func(d time.Duration) { pingInterval = d }(pingInterval)
	pingInterval = 30 * time.Millisecond

	t.Run("dispatches and pings under steady traffic", func(t *testing.T) {
		l := &fakeListener{notify: make(chan *pq.Notification)}
		b := newTestPostgresBroker(l)
		ctx, cancel := context.WithCancel(context.Background())
		runErr := make(chan error, 1)
		go func() { runErr <- b.Run(ctx) }()

		sub, err := b.Subscribe(context.Background(), "c1")
		require.NoError(t, err)

		l.notify <- nil // reconnected
		l.notify <- &pq.Notification{Extra: "not json"}
		l.notify <- notify("c1-m0", "c1")
		assert.Equal(t, messaging.Message{ID: "c1-m0", ConversationID: "c1"}, receive(t, sub))

		// notifications arrive faster than the ping interval
		stop := make(chan struct{})
		go func() {
			for i := 0; ; i++ {
				select {
				case l.notify <- notify(fmt.Sprintf("other-m%d", i), "other"):
				case <-stop:
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
		}()
		assert.Eventually(t, func() bool { return atomic.LoadInt32(&l.pings) > 0 }, time.Second, 5*time.Millisecond)
		close(stop)

		cancel()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&l.closed))
		require.NoError(t, b.Close()) // once
		assert.Equal(t, int32(1), atomic.LoadInt32(&l.closed))
	})

	t.Run("stops when the listener is closed", func(t *testing.T) {
		l := &fakeListener{notify: make(chan *pq.Notification)}
		b := newTestPostgresBroker(l)
		runErr := make(chan error, 1)
		go func() { runErr <- b.Run(context.Background()) }()

		close(l.notify)
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	})
}
