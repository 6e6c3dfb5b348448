// Package apiclient talks to the Masomo API as one user: REST calls for the session's
// Backend and the live WebSocket endpoint for its Feed.
package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/messaging/session"
	"github.com/trezcool/masomo/core/user"
)

var ErrNoToken = errors.New("apiclient: not logged in")

// Client is safe for concurrent use.
type Client struct {
	base   url.URL
	rest   *rest.Client
	dialer *websocket.Dialer

	mu    sync.RWMutex
	token string
}

var (
	_ session.Backend = (*Client)(nil)
	_ session.Feed    = (*Client)(nil)
)

type Option func(*Client)

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.rest = &rest.Client{HTTPClient: hc} }
}

// WithToken sets the JWT of an already logged in user.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a Client of the API served at baseURL (e.g. http://localhost:8000).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:   *u,
		rest:   &rest.Client{HTTPClient: &http.Client{Timeout: 30 * time.Second}},
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) endpoint(elem ...string) string {
	u := c.base
	u.Path = path.Join(append([]string{u.Path, "v1"}, elem...)...)
	return u.String()
}

func (c *Client) do(ctx context.Context, method rest.Method, endpoint string, query map[string]string, in, out interface{}) (int, error) {
	req := rest.Request{
		Method:      method,
		BaseURL:     endpoint,
		Headers:     map[string]string{"Accept": "application/json"},
		QueryParams: query,
	}
	if token := c.Token(); token != "" {
		req.Headers["Authorization"] = "Bearer " + token
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, "encoding request")
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeError(resp.StatusCode, []byte(resp.Body))
	}
	if out != nil {
		if err = json.Unmarshal([]byte(resp.Body), out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding response")
		}
	}
	return resp.StatusCode, nil
}

// send is rest.Client.Send bound to ctx.
func (c *Client) send(ctx context.Context, req rest.Request) (*rest.Response, error) {
	httpReq, err := rest.BuildRequestObject(req)
	if err != nil {
		return nil, err
	}
	res, err := c.rest.MakeRequest(httpReq.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return rest.BuildResponse(res)
}

type (
	loginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	loginResponse struct {
		Token string        `json:"token"`
		User  *user.Profile `json:"user,omitempty"`
	}

	conversationResponse struct {
		messaging.Conversation
		Created bool `json:"created"`
	}
)

// Login authenticates with a username (or email) and password, and keeps the token for the next calls.
func (c *Client) Login(ctx context.Context, login, password string) (user.Profile, error) {
	var resp loginResponse
	if _, err := c.do(ctx, rest.Post, c.endpoint("users", "login"), nil, loginRequest{Username: login, Password: password}, &resp); err != nil {
		return user.Profile{}, err
	}
	c.setToken(resp.Token)
	if resp.User == nil {
		return c.Me(ctx)
	}
	return *resp.User, nil
}

func (c *Client) Me(ctx context.Context) (user.Profile, error) {
	if c.Token() == "" {
		return user.Profile{}, ErrNoToken
	}
	var usr user.Profile
	_, err := c.do(ctx, rest.Get, c.endpoint("users", "me"), nil, nil, &usr)
	return usr, err
}

// Candidates lists the users one can start a conversation with.
func (c *Client) Candidates(ctx context.Context, search string) ([]user.Profile, error) {
	var query map[string]string
	if search != "" {
		query = map[string]string{"search": search}
	}
	var list []user.Profile
	_, err := c.do(ctx, rest.Get, c.endpoint("users", "candidates"), query, nil, &list)
	return list, err
}

// Resolve finds or creates a conversation with the given participants.
func (c *Client) Resolve(ctx context.Context, nc messaging.NewConversation) (messaging.Resolution, error) {
	var resp conversationResponse
	if _, err := c.do(ctx, rest.Post, c.endpoint("conversations"), nil, nc, &resp); err != nil {
		return messaging.Resolution{}, err
	}
	return messaging.Resolution{Conversation: resp.Conversation, Created: resp.Created}, nil
}

func (c *Client) Conversations(ctx context.Context) ([]messaging.ConversationSummary, error) {
	var list []messaging.ConversationSummary
	_, err := c.do(ctx, rest.Get, c.endpoint("conversations"), nil, nil, &list)
	return list, err
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	var list []messaging.Message
	_, err := c.do(ctx, rest.Get, c.endpoint("conversations", conversationID, "messages"), nil, nil, &list)
	return list, err
}

func (c *Client) Send(ctx context.Context, conversationID, content string) (messaging.Message, error) {
	var msg messaging.Message
	_, err := c.do(ctx, rest.Post, c.endpoint("conversations", conversationID, "messages"), nil, map[string]string{"content": content}, &msg)
	return msg, err
}

func (c *Client) Delete(ctx context.Context, messageID string) (messaging.Message, error) {
	var msg messaging.Message
	_, err := c.do(ctx, rest.Delete, c.endpoint("messages", messageID), nil, nil, &msg)
	return msg, err
}
