package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/tests"
)

var (
	me    = user.Profile{ID: "u-me", Name: "Mr Teacher", Role: user.RoleTeacher}
	alice = user.Profile{ID: "u-alice", Name: "Alice", Role: user.RoleStudent}

	errBoom = errors.New("boom")
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeBackend struct {
	mu        sync.Mutex
	convs     []messaging.ConversationSummary
	msgs      map[string][]messaging.Message
	convErr   error
	msgsErr   error
	sendErr   error
	nextID    int
	msgsCalls int

	// if set, calls wait on them before returning
	msgsGate map[string]chan struct{}
	sendGate chan struct{}
}

func newFakeBackend() *fakeBackend {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &fakeBackend{
		convs: []messaging.ConversationSummary{
			{Conversation: messaging.Conversation{ID: "c1", Kind: messaging.KindDirect, CreatedAt: now}, DisplayName: "Alice", LastActivity: now},
			{Conversation: messaging.Conversation{ID: "c2", Kind: messaging.KindGroup, CreatedAt: now.Add(time.Minute)}, DisplayName: "Maths", LastActivity: now.Add(time.Minute)},
		},
		msgs: map[string][]messaging.Message{
			"c1": {msg("c1", "m1", alice, "hi")},
			"c2": {msg("c2", "m2", alice, "hello class"), msg("c2", "m3", me, "welcome")},
		},
		msgsGate: make(map[string]chan struct{}),
	}
}

func msg(convID, id string, sender user.Profile, content string) messaging.Message {
	return messaging.Message{
		ID:             id,
		ConversationID: convID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (b *fakeBackend) set(f func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (b *fakeBackend) Conversations(context.Context) ([]messaging.ConversationSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.convErr != nil {
		return nil, b.convErr
	}
	return append([]messaging.ConversationSummary(nil), b.convs...), nil
}

// Messages takes its snapshot before waiting on the gate.
func (b *fakeBackend) Messages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	b.mu.Lock()
	gate := b.msgsGate[conversationID]
	err := b.msgsErr
	msgs := append([]messaging.Message(nil), b.msgs[conversationID]...)
	b.msgsCalls++
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgsCalls
}

func (b *fakeBackend) Send(ctx context.Context, conversationID, content string) (messaging.Message, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.nextID++
	id := fmt.Sprintf("sent-%d", b.nextID)
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return messaging.Message{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return messaging.Message{}, b.sendErr
	}
	m := msg(conversationID, id, me, content)
	m.CreatedAt = time.Date(2026, 3, 1, 10, b.nextID, 0, 0, time.UTC)
	b.msgs[conversationID] = append(b.msgs[conversationID], m)
	return m, nil
}

func (b *fakeBackend) Delete(_ context.Context, messageID string) (messaging.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for convID, msgs := range b.msgs {
		for i, m := range msgs {
			if m.ID != messageID {
				continue
			}
			if m.Deleted {
				return messaging.Message{}, messaging.ErrAlreadyDeleted
			}
			b.msgs[convID][i].Deleted = true
			return b.msgs[convID][i], nil
		}
	}
	return messaging.Message{}, messaging.ErrMessageNotFound
}

type fakeSub struct {
	ch   chan messaging.Message
	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
	// keepOpen leaves ch open on close, like a transport still delivering after cancellation
	keepOpen bool
}

func (s *fakeSub) Messages() <-chan messaging.Message { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() { s.end(nil) }

func (s *fakeSub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if !s.keepOpen || err != nil {
			close(s.ch)
		}
	})
}

func (s *fakeSub) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type fakeFeed struct {
	mu       sync.Mutex
	subs     map[string][]*fakeSub
	err      error
	keepOpen bool
	// if set, Subscribe waits on it before subscribing
	gate chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string][]*fakeSub)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string) (messaging.Subscription, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSub{ch: make(chan messaging.Message, 16), done: make(chan struct{}), keepOpen: f.keepOpen}
	f.subs[conversationID] = append(f.subs[conversationID], sub)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// current returns the last subscription opened on conversationID.
func (f *fakeFeed) current(conversationID string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[conversationID]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (f *fakeFeed) count(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[conversationID])
}

func (f *fakeFeed) push(t *testing.T, m messaging.Message) {
	t.Helper()
	var sub *fakeSub
	require.Eventually(t, func() bool {
		sub = f.current(m.ConversationID)
		return sub != nil
	}, waitFor, tick, "no subscription on %s", m.ConversationID)
	sub.ch <- m
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) errors() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, 0)
	for _, n := range r.notices {
		if n.Level == NoticeError {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	s       *Session
	backend *fakeBackend
	feed    *fakeFeed
	notices *noticeRecorder
	loc     *URLLocation
}

func start(t *testing.T, backend *fakeBackend, feed *fakeFeed, rawURL string) *harness {
	t.Helper()
	loc, err := NewURLLocation(rawURL)
	require.NoError(t, err)
	h := &harness{backend: backend, feed: feed, notices: &noticeRecorder{}, loc: loc}

	h.s, err = New(me, backend, feed, testutil.NewLogger(), Options{
		Location: loc,
		Timeout:  time.Second,
		OnNotice: h.notices.record,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = h.s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.s.Snapshot()
	require.NoError(t, err)
	return st
}

func (h *harness) waitUntil(t *testing.T, cond func(st State) bool, msgAndArgs ...interface{}) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		var err error
		st, err = h.s.Snapshot()
		return err == nil && cond(st)
	}, waitFor, tick, msgAndArgs...)
	return st
}

// open selects conversationID and waits for its messages.
func (h *harness) open(t *testing.T, conversationID string) State {
	t.Helper()
	h.s.Select(conversationID)
	return h.waitUntil(t, func(st State) bool {
		return st.ActiveID == conversationID && st.Phase == PhaseLoaded && h.feed.current(conversationID) != nil
	}, "conversation %s not loaded", conversationID)
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(user.Profile{}, newFakeBackend(), newFakeFeed(), testutil.NewLogger(), Options{})
	assert.Equal(t, ErrNoIdentity, err)

	_, err = New(user.Profile{ID: "x", Role: "admin"}, newFakeBackend(), newFakeFeed(), testutil.NewLogger(), Options{})
	assert.Equal(t, user.ErrInvalidRole, errors.Cause(err))

	s, err := New(me, newFakeBackend(), newFakeFeed(), testutil.NewLogger(), Options{})
	require.NoError(t, err)
	_, err = func() (State, error) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = s.Run(ctx)
		return s.Snapshot()
	}()
	assert.Equal(t, ErrNotRunning, err)
}

func TestSession_Load(t *testing.T) {
	t.Run("deep link", func(t *testing.T) {
		h := start(t, newFakeBackend(), newFakeFeed(), "masomo://chat?conversation=c1")
		h.s.Load()

		st := h.waitUntil(t, func(st State) bool {
			return len(st.Conversations) == 2 && st.Phase == PhaseLoaded
		})
		assert.Equal(t, me, st.Me)
		assert.Equal(t, "c1", st.ActiveID)
		assert.Equal(t, []string{"c2", "c1"}, []string{st.Conversations[0].ID, st.Conversations[1].ID})
		assert.Equal(t, []string{"m1"}, ids(st.Messages))
		assert.Equal(t, 1, h.feed.count("c1"))
	})

	t.Run("no deep link", func(t *testing.T) {
		h := start(t, newFakeBackend(), newFakeFeed(), "masomo://chat")
		h.s.Load()

		st := h.waitUntil(t, func(st State) bool { return len(st.Conversations) == 2 })
		assert.Equal(t, "", st.ActiveID)
		assert.Equal(t, PhaseIdle, st.Phase)
		assert.Empty(t, st.Messages)
	})
}

func TestSession_Select(t *testing.T) {
	h := start(t, newFakeBackend(), newFakeFeed(), "masomo://chat?tab=inbox")

	st := h.open(t, "c1")
	assert.Equal(t, []string{"m1"}, ids(st.Messages))
	assert.Equal(t, "c1", h.loc.Conversation())
	assert.Equal(t, "masomo://chat?conversation=c1&tab=inbox", h.loc.String())
	c1Sub := h.feed.current("c1")

	// same conversation: no refetch, no resubscribe
	h.s.Select("c1")
	h.s.Select("  ")
	h.state(t)
	assert.Equal(t, 1, h.feed.count("c1"))

	st = h.open(t, "c2")
	assert.Equal(t, []string{"m2", "m3"}, ids(st.Messages))
	assert.Equal(t, "c2", h.loc.Conversation())
	assert.Eventually(t, c1Sub.closed, waitFor, tick, "previous subscription still open")
}

func TestSession_StaleFetchIgnored(t *testing.T) {
	backend := newFakeBackend()
	gate := make(chan struct{})
	backend.msgsGate["c1"] = gate
	h := start(t, backend, newFakeFeed(), "masomo://chat")

	h.s.Select("c1")
	st := h.open(t, "c2")
	assert.Equal(t, []string{"m2", "m3"}, ids(st.Messages))

	close(gate) // c1's fetch resolves after c2's
	assert.Never(t, func() bool {
		st, err := h.s.Snapshot()
		return err != nil || st.ActiveID != "c2" || !assert.ObjectsAreEqual([]string{"m2", "m3"}, ids(st.Messages))
	}, 100*time.Millisecond, tick)
}

func TestSession_StaleFeedIgnored(t *testing.T) {
	feed := newFakeFeed()
	feed.keepOpen = true
	h := start(t, newFakeBackend(), feed, "masomo://chat")
	h.open(t, "c1")
	h.open(t, "c2")

	// a late delivery from the old feed, and a message of another conversation on the active one
	feed.current("c1").ch <- msg("c2", "late", alice, "late")
	feed.current("c2").ch <- msg("c1", "other", alice, "wrong conversation")
	feed.push(t, msg("c2", "m4", alice, "on time"))

	st := h.waitUntil(t, func(st State) bool { return len(st.Messages) == 3 })
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(st.Messages))
}

func TestSession_LiveDuplicates(t *testing.T) {
	h := start(t, newFakeBackend(), newFakeFeed(), "masomo://chat")
	h.s.Load()
	h.waitUntil(t, func(st State) bool { return len(st.Conversations) == 2 })
	h.open(t, "c1")

	m := msg("c1", "m9", alice, "twice")
	m.CreatedAt = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	h.feed.push(t, m)
	h.feed.push(t, m)
	h.feed.push(t, msg("c1", "m1", alice, "hi")) // already fetched
	h.feed.push(t, msg("c1", "m10", alice, "marker"))

	st := h.waitUntil(t, func(st State) bool { return len(st.Messages) >= 3 })
	assert.Equal(t, []string{"m1", "m9", "m10"}, ids(st.Messages))

	// the list preview and order follow the latest message
	require.Equal(t, "c1", st.Conversations[0].ID)
	require.NotNil(t, st.Conversations[0].LastMessage)
	assert.Equal(t, "m9", st.Conversations[0].LastMessage.ID) // m10 is older than m9
}

func TestSession_FetchAfterSubscribe(t *testing.T) {
	backend := newFakeBackend()
	feed := newFakeFeed()
	feed.gate = make(chan struct{})
	h := start(t, backend, feed, "masomo://chat")

	h.s.Select("c1")
	assert.Never(t, func() bool {
		st, err := h.s.Snapshot()
		return err != nil || st.Phase != PhaseLoading || backend.calls() > 0
	}, 100*time.Millisecond, tick)

	// inserted while subscribing: must be part of the history
	backend.set(func(b *fakeBackend) { b.msgs["c1"] = append(b.msgs["c1"], msg("c1", "m5", alice, "meanwhile")) })
	close(feed.gate)

	st := h.waitUntil(t, func(st State) bool { return st.Phase == PhaseLoaded })
	assert.Equal(t, []string{"m1", "m5"}, ids(st.Messages))
	assert.Equal(t, 1, feed.count("c1"))
}

func TestSession_LiveBufferedWhileLoading(t *testing.T) {
	backend := newFakeBackend()
	gate := make(chan struct{})
	backend.msgsGate["c2"] = gate
	feed := newFakeFeed()
	h := start(t, backend, feed, "masomo://chat")

	h.s.Select("c2")
	feed.push(t, msg("c2", "m3", me, "welcome")) // also in the history
	feed.push(t, msg("c2", "m4", alice, "new"))
	st := h.state(t)
	assert.Equal(t, PhaseLoading, st.Phase)

	close(gate)
	st = h.waitUntil(t, func(st State) bool { return st.Phase == PhaseLoaded && len(st.Messages) == 3 })
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(st.Messages))
}

func TestSession_Submit(t *testing.T) {
	t.Run("ignored", func(t *testing.T) {
		h := start(t, newFakeBackend(), newFakeFeed(), "masomo://chat")
		h.s.Submit("no active conversation")
		h.open(t, "c1")
		h.s.Submit("")
		h.s.Submit(" \n\t ")

		st := h.state(t)
		assert.Equal(t, []string{"m1"}, ids(st.Messages))
		assert.Empty(t, st.InFlight())
		assert.Empty(t, h.backend.msgs["c1"][1:])
	})

	t.Run("optimistic then confirmed", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendGate = make(chan struct{})
		h := start(t, backend, newFakeFeed(), "masomo://chat")
		h.s.Load()
		h.waitUntil(t, func(st State) bool { return len(st.Conversations) == 2 })
		h.open(t, "c1")

		h.s.Submit("first")
		h.s.Submit("first") // same content, distinct entry
		st := h.waitUntil(t, func(st State) bool { return len(st.Messages) == 3 })
		require.Len(t, st.InFlight(), 2)
		for _, e := range st.Messages[1:] {
			assert.True(t, e.Pending)
			assert.True(t, strings.HasPrefix(e.ID, localIDPrefix))
			assert.Equal(t, me, e.Sender)
			assert.Equal(t, "c1", e.ConversationID)
		}
		assert.NotEqual(t, st.Messages[1].ID, st.Messages[2].ID)

		close(backend.sendGate)
		st = h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 0 })
		assert.ElementsMatch(t, []string{"m1", "sent-1", "sent-2"}, ids(st.Messages))
		assert.Equal(t, "m1", st.Messages[0].ID)
		for _, e := range st.Messages {
			assert.False(t, e.Pending)
		}
		assert.Equal(t, "c1", st.Conversations[0].ID)
		assert.Empty(t, h.notices.errors())
	})

	t.Run("echo before response", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendGate = make(chan struct{})
		feed := newFakeFeed()
		h := start(t, backend, feed, "masomo://chat")
		h.open(t, "c1")

		h.s.Submit("hello")
		h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 1 })

		// the live copy has the id the send will return
		echo := msg("c1", "sent-1", me, "hello")
		feed.push(t, echo)
		h.waitUntil(t, func(st State) bool { return len(st.Messages) == 3 })

		close(backend.sendGate)
		st := h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 0 })
		assert.Equal(t, []string{"m1", "sent-1"}, ids(st.Messages))

		// a late duplicate delivery changes nothing
		feed.push(t, echo)
		h.s.Submit(" ")
		assert.Equal(t, []string{"m1", "sent-1"}, ids(h.state(t).Messages))
	})

	t.Run("failure", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendGate = make(chan struct{})
		h := start(t, backend, newFakeFeed(), "masomo://chat")
		h.s.Load()
		h.waitUntil(t, func(st State) bool { return len(st.Conversations) == 2 })
		before := h.open(t, "c2")

		backend.set(func(b *fakeBackend) { b.sendErr = errBoom })
		h.s.Submit("lost")
		h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 1 })
		close(backend.sendGate)

		st := h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 0 })
		assert.Equal(t, before.Messages, st.Messages)
		assert.Equal(t, before.Conversations, st.Conversations)

		errs := h.notices.errors()
		require.Len(t, errs, 1)
		assert.Equal(t, errBoom, errs[0].Err)
	})

	t.Run("settles after switching away", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendGate = make(chan struct{})
		h := start(t, backend, newFakeFeed(), "masomo://chat")
		h.open(t, "c1")
		h.s.Submit("to c1")
		h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 1 })

		st := h.open(t, "c2")
		assert.Equal(t, []string{"m2", "m3"}, ids(st.Messages))
		close(backend.sendGate)

		assert.Never(t, func() bool {
			st, err := h.s.Snapshot()
			return err != nil || len(st.Messages) != 2
		}, 100*time.Millisecond, tick)
	})
}

func TestSession_RefetchKeepsConfirmedSends(t *testing.T) {
	backend := newFakeBackend()
	h := start(t, backend, newFakeFeed(), "masomo://chat")
	h.open(t, "c1")
	calls := backend.calls()

	gate := make(chan struct{})
	backend.set(func(b *fakeBackend) { b.msgsGate["c1"] = gate })
	h.s.Refresh()
	require.Eventually(t, func() bool { return backend.calls() > calls }, waitFor, tick)

	// the send lands after the snapshot and settles before the fetch returns
	h.s.Submit("late")
	h.waitUntil(t, func(st State) bool { return len(st.InFlight()) == 0 && len(st.Messages) == 2 })
	close(gate)

	st := h.waitUntil(t, func(st State) bool { return st.Phase == PhaseLoaded })
	assert.Equal(t, []string{"m1", "sent-1"}, ids(st.Messages))
	assert.Empty(t, h.notices.errors())

	// a later refetch that has it does not duplicate it
	backend.set(func(b *fakeBackend) { delete(b.msgsGate, "c1") })
	calls = backend.calls()
	h.s.Refresh()
	require.Eventually(t, func() bool { return backend.calls() > calls }, waitFor, tick)
	st = h.waitUntil(t, func(st State) bool { return st.Phase == PhaseLoaded })
	assert.Equal(t, []string{"m1", "sent-1"}, ids(st.Messages))
}

func TestSession_Delete(t *testing.T) {
	backend := newFakeBackend()
	h := start(t, backend, newFakeFeed(), "masomo://chat")
	h.s.Load()
	h.open(t, "c2")

	h.s.Delete("m3")
	st := h.waitUntil(t, func(st State) bool { return st.Messages[1].Deleted })
	assert.Equal(t, "welcome", st.Messages[1].Content)
	assert.Equal(t, messaging.DeletedPlaceholder, st.Messages[1].Preview())

	h.s.Delete("m3") // already deleted on the server
	require.Eventually(t, func() bool { return len(h.notices.errors()) == 1 }, waitFor, tick)
	assert.Equal(t, messaging.ErrAlreadyDeleted, errors.Cause(h.notices.errors()[0].Err))

	h.s.Delete("unknown") // not shown: ignored
	assert.Len(t, h.notices.errors(), 1)
}

func TestSession_FetchFailuresKeepState(t *testing.T) {
	backend := newFakeBackend()
	h := start(t, backend, newFakeFeed(), "masomo://chat")
	h.s.Load()
	h.waitUntil(t, func(st State) bool { return len(st.Conversations) == 2 })
	before := h.open(t, "c2")

	backend.set(func(b *fakeBackend) {
		b.convErr = errBoom
		b.msgsErr = errBoom
	})
	h.s.Refresh()
	require.Eventually(t, func() bool { return len(h.notices.errors()) == 2 }, waitFor, tick)

	st := h.waitUntil(t, func(st State) bool { return st.Phase == PhaseLoaded })
	assert.Equal(t, before.Conversations, st.Conversations)
	assert.Equal(t, before.Messages, st.Messages)

	// selecting fails without data to keep
	h.s.Select("c1")
	st = h.waitUntil(t, func(st State) bool { return st.ActiveID == "c1" && st.Phase == PhaseSelected })
	assert.Empty(t, st.Messages)
}

func TestSession_ConversationCreated(t *testing.T) {
	backend := newFakeBackend()
	h := start(t, backend, newFakeFeed(), "masomo://chat")
	h.s.Load()
	h.waitUntil(t, func(st State) bool { return len(st.Conversations) == 2 })

	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	backend.set(func(b *fakeBackend) {
		b.convs = append(b.convs, messaging.ConversationSummary{
			Conversation: messaging.Conversation{ID: "c3", Kind: messaging.KindGroup, CreatedAt: now},
			DisplayName:  "Alice, Bob",
			LastActivity: now,
		})
	})
	h.s.ConversationCreated("c3")

	st := h.waitUntil(t, func(st State) bool { return st.ActiveID == "c3" && st.Phase == PhaseLoaded })
	require.Len(t, st.Conversations, 3)
	assert.Equal(t, "c3", st.Conversations[0].ID)
	assert.Empty(t, st.Messages)
	assert.Equal(t, "c3", h.loc.Conversation())
}

func TestSession_FeedFailure(t *testing.T) {
	feed := newFakeFeed()
	h := start(t, newFakeBackend(), feed, "masomo://chat")
	h.open(t, "c1")

	feed.current("c1").end(errBoom)
	st := h.waitUntil(t, func(st State) bool { return st.LiveErr != nil })
	assert.Equal(t, errBoom, st.LiveErr)
	require.Len(t, h.notices.errors(), 1)

	// sends still work without the feed
	h.s.Submit("still here")
	st = h.waitUntil(t, func(st State) bool { return len(st.Messages) == 2 && len(st.InFlight()) == 0 })
	assert.Equal(t, "sent-1", st.Messages[1].ID)

	h.s.Refresh()
	h.waitUntil(t, func(st State) bool { return st.LiveErr == nil && feed.count("c1") == 2 })
	feed.push(t, msg("c1", "m5", alice, "back"))
	h.waitUntil(t, func(st State) bool { return len(st.Messages) == 3 })

	t.Run("subscribe error", func(t *testing.T) {
		feed := newFakeFeed()
		feed.err = errBoom
		h := start(t, newFakeBackend(), feed, "masomo://chat")
		h.s.Select("c1")

		st := h.waitUntil(t, func(st State) bool { return st.LiveErr != nil && st.Phase == PhaseLoaded })
		assert.Equal(t, []string{"m1"}, ids(st.Messages))
	})
}
