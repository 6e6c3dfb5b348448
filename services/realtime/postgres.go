package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
)

var pingInterval = 90 * time.Second

// MessageGetter loads a persisted message.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (messaging.Message, error)
}

// notifyListener is the part of *pq.Listener the broker uses.
type notifyListener interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// notification is the payload of the messages insert trigger.
type notification struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// PostgresBroker feeds the local hub from the NOTIFY sent by the messages insert trigger,
// so every API instance sees the messages inserted by the others.
type PostgresBroker struct {
	*Hub
	listener notifyListener
	channel  string
	messages MessageGetter
	logger   core.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Broker = (*PostgresBroker)(nil)

func NewPostgresBroker(dsn string, conf core.RealtimeConfig, messages MessageGetter, hub *Hub, logger core.Logger) (*PostgresBroker, error) {
	b := &PostgresBroker{
		Hub:      hub,
		channel:  conf.NotifyChannel,
		messages: messages,
		logger:   logger,
	}
	l := pq.NewListener(dsn, conf.MinReconnectInterval, conf.MaxReconnectInterval, b.onListenerEvent)
	if err := l.Listen(b.channel); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "listening on %q", b.channel)
	}
	b.listener = l
	return b, nil
}

// Publish is a no-op: the insert trigger notifies all instances, this one included.
func (b *PostgresBroker) Publish(context.Context, messaging.Message) error { return nil }

func (b *PostgresBroker) Run(ctx context.Context) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	notify := b.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return b.Close()

		case n, ok := <-notify:
			if !ok {
				return b.Close() // listener closed
			}
			if n == nil {
				// the connection was re-established; notifications sent meanwhile are lost
				b.logger.Warn("realtime: postgres listener reconnected")
				continue
			}
			b.dispatch(ctx, n.Extra)

		case <-ping.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.logger.Error(fmt.Sprintf("realtime: pinging postgres listener: %v", err), err)
				}
			}()
		}
	}
}

func (b *PostgresBroker) dispatch(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		b.logger.Error(fmt.Sprintf("realtime: decoding notification %q: %v", payload, err), err)
		return
	}
	msg, err := b.messages.GetMessage(ctx, n.ID)
	if err != nil {
		b.logger.Error(fmt.Sprintf("realtime: loading message %s: %v", n.ID, err), err)
		return
	}
	_ = b.Hub.Publish(ctx, msg)
}

func (b *PostgresBroker) onListenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		b.logger.Error(fmt.Sprintf("realtime: postgres listener event %d: %v", ev, err), err)
	}
}

func (b *PostgresBroker) Close() error {
	b.closeOnce.Do(func() {
		_ = b.Hub.Close()
		b.closeErr = b.listener.Close()
	})
	return b.closeErr
}
