package session

import (
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// ConversationParam is the query parameter holding the active conversation id.
const ConversationParam = "conversation"

// Location mirrors the active conversation into a navigable address.
type Location interface {
	// Conversation returns the conversation id the address points to, if any.
	Conversation() string
	SetConversation(id string)
}

// URLLocation is a Location backed by a URL query parameter, so the active conversation
// survives a reload and can be shared as a deep link.
type URLLocation struct {
	mu  sync.Mutex
	url url.URL
}

var _ Location = (*URLLocation)(nil)

func NewURLLocation(rawURL string) (*URLLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing location")
	}
	return &URLLocation{url: *u}, nil
}

func (l *URLLocation) Conversation() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url.Query().Get(ConversationParam)
}

func (l *URLLocation) SetConversation(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.url.Query()
	if id == "" {
		q.Del(ConversationParam)
	} else {
		q.Set(ConversationParam, id)
	}
	l.url.RawQuery = q.Encode()
}

func (l *URLLocation) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url.String()
}

// nopLocation is used when no Location is given.
type nopLocation struct{}

func (nopLocation) Conversation() string   { return "" }
func (nopLocation) SetConversation(string) {}
