package apiclient

import (
	"context"
	"io"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/messaging"
)

const (
	subscriptionBuffer = 64
	closeWait          = time.Second
)

// liveFrame is what the live endpoint writes.
type liveFrame struct {
	Type    string             `json:"type"`
	Message *messaging.Message `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (c *Client) liveURL(conversationID string) string {
	u := c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "v1", "conversations", conversationID, "live")
	u.RawQuery = url.Values{"token": {c.Token()}}.Encode()
	return u.String()
}

// Subscribe opens the live feed of conversationID. It returns once the server confirmed
// the subscription, so no message sent afterwards is missed.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (messaging.Subscription, error) {
	if c.Token() == "" {
		return nil, ErrNoToken
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.liveURL(conversationID), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, decodeError(resp.StatusCode, body)
		}
		return nil, errors.Wrap(err, "dialing live feed")
	}

	// wait for the server to confirm the subscription
	var frame liveFrame
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	if err = conn.ReadJSON(&frame); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "reading live feed handshake")
	}
	if frame.Type != "connected" {
		_ = conn.Close()
		if frame.Error != "" {
			return nil, errors.New(frame.Error)
		}
		return nil, errors.Errorf("unexpected live frame %q", frame.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &subscription{
		conn: conn,
		ch:   make(chan messaging.Message, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.read()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type subscription struct {
	conn *websocket.Conn
	ch   chan messaging.Message
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

var _ messaging.Subscription = (*subscription)(nil)

func (s *subscription) Messages() <-chan messaging.Message { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Err stays nil unless the server ended it first.
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWait))
		_ = s.conn.Close()
	})
}

func (s *subscription) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// read pumps the live frames into ch until the connection ends.
// Pings are answered by the connection's default handler while reading.
func (s *subscription) read() {
	defer close(s.ch)
	defer s.Close()

	for {
		var frame liveFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if !s.closing() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseTryAgainLater) {
					s.fail(messaging.ErrSubscriptionClosed)
				} else {
					s.fail(errors.Wrap(err, "reading live feed"))
				}
			}
			return
		}

		switch frame.Type {
		case "message":
			if frame.Message == nil {
				continue
			}
			select {
			case s.ch <- *frame.Message:
			case <-s.done:
				return
			}
		case "error":
			s.fail(errors.Wrap(messaging.ErrSubscriptionClosed, frame.Error))
		}
	}
}
