package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
)

const defaultBuffer = 64

var (
	ErrSlowSubscriber = errors.New("subscriber too slow: send buffer full")
	ErrHubClosed      = errors.New("realtime hub closed")
)

// Broker is a messaging.Broker with a lifecycle.
type Broker interface {
	messaging.Broker
	// Run pumps external events into the broker until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// Hub fans messages out to the in-process subscribers of each conversation.
// Each subscriber has a bounded buffer; a subscriber that falls behind is dropped with
// ErrSlowSubscriber rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[uint64]*subscription // conversation id: subscriber id: subscription
	nextID uint64
	closed bool

	buffer  int
	logger  core.Logger
	metrics *Metrics
}

var _ Broker = (*Hub)(nil)

func NewHub(buffer int, logger core.Logger, metrics *Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		rooms:   make(map[string]map[uint64]*subscription),
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish delivers msg to every subscriber of its conversation, in call order.
func (h *Hub) Publish(_ context.Context, msg messaging.Message) error {
	var slow []*subscription

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	h.metrics.Published.Inc()
	for _, sub := range h.rooms[msg.ConversationID] {
		select {
		case sub.ch <- msg:
			h.metrics.Delivered.Inc()
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.metrics.Dropped.Inc()
		h.logger.Warn(fmt.Sprintf("dropping slow subscriber of conversation %s", sub.conversationID))
		h.remove(sub, ErrSlowSubscriber)
	}
	return nil
}

// Subscribe opens a feed of the messages published for conversationID from now on.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (messaging.Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.nextID++
	sub := &subscription{
		id:             h.nextID,
		conversationID: conversationID,
		hub:            h,
		ch:             make(chan messaging.Message, h.buffer),
		done:           make(chan struct{}),
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[uint64]*subscription)
		h.rooms[conversationID] = room
	}
	room[sub.id] = sub
	h.mu.Unlock()
	h.metrics.Subscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Run blocks until ctx is done, then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	return h.Close()
}

// Close ends all subscriptions with ErrHubClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0)
	for _, room := range h.rooms {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub, ErrHubClosed)
	}
	return nil
}

// Subscribers returns the number of live subscribers of conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// remove detaches sub then closes its channel. Publishers hold the read lock while sending,
// so the channel is never closed under a send.
func (h *Hub) remove(sub *subscription, reason error) {
	h.mu.Lock()
	room := h.rooms[sub.conversationID]
	_, tracked := room[sub.id]
	if tracked {
		delete(room, sub.id)
		if len(room) == 0 {
			delete(h.rooms, sub.conversationID)
		}
	}
	h.mu.Unlock()

	if !tracked {
		return
	}
	h.metrics.Subscribers.Dec()
	sub.finish(reason)
}

type subscription struct {
	id             uint64
	conversationID string
	hub            *Hub
	ch             chan messaging.Message

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

var _ messaging.Subscription = (*subscription)(nil)

func (s *subscription) Messages() <-chan messaging.Message { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() { s.hub.remove(s, nil) }

func (s *subscription) finish(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		close(s.ch)
	})
}
