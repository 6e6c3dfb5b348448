// Package session is the client side of messaging: it keeps the conversation list, the
// active conversation and its messages in sync with the server, the live feed and the
// user's own optimistic sends.
//
// All state is owned by the goroutine running Session.Run. Public methods enqueue events
// and return immediately; network calls run on their own goroutines and post their
// results back as events.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

const (
	defaultTimeout = 15 * time.Second
	eventQueueSize = 64

	localIDPrefix = "local-"
)

var (
	ErrNoIdentity = errors.New("session: current user is required")
	ErrNotRunning = errors.New("session: not running")

	NowFunc = time.Now // mockable
)

type (
	// Backend is the server side of the session, acting as the current user.
	Backend interface {
		Conversations(ctx context.Context) ([]messaging.ConversationSummary, error)
		Messages(ctx context.Context, conversationID string) ([]messaging.Message, error)
		Send(ctx context.Context, conversationID, content string) (messaging.Message, error)
		Delete(ctx context.Context, messageID string) (messaging.Message, error)
	}

	// Feed opens live feeds of new messages.
	Feed interface {
		Subscribe(ctx context.Context, conversationID string) (messaging.Subscription, error)
	}

	Options struct {
		Location Location
		// Timeout of each backend call. Defaults to 15s.
		Timeout time.Duration
		// OnChange is called from the session goroutine after every state change.
		// It must not call Snapshot.
		OnChange func(State)
		// OnNotice is called from the session goroutine with the outcome of every action.
		OnNotice func(Notice)
	}
)

type event func()

type Session struct {
	me      user.Profile
	backend Backend
	feed    Feed
	logger  core.Logger
	loc     Location
	timeout time.Duration

	onChange func(State)
	onNotice func(Notice)

	events chan event
	done   chan struct{}

	// owned by the Run goroutine
	ctx           context.Context
	conversations []messaging.ConversationSummary
	activeID      string
	phase         Phase
	messages      []Entry
	buffered      []messaging.Message // live messages received while loading
	confirmed     map[string]bool     // ids of sends settled since the last fetch started
	fetchSeq      uint64
	listSeq       uint64
	listApplied   uint64
	feedGen       uint64
	feedCancel    context.CancelFunc
	feedErr       error
}

// New returns a session of the current user me. Run must be called for it to process anything.
func New(me user.Profile, backend Backend, feed Feed, logger core.Logger, opts Options) (*Session, error) {
	if strings.TrimSpace(me.ID) == "" {
		return nil, ErrNoIdentity
	}
	if !me.Role.Valid() {
		return nil, errors.Wrap(user.ErrInvalidRole, "session")
	}
	s := &Session{
		me:       me,
		backend:  backend,
		feed:     feed,
		logger:   logger,
		loc:      opts.Location,
		timeout:  opts.Timeout,
		onChange: opts.OnChange,
		onNotice: opts.OnNotice,
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
	}
	if s.loc == nil {
		s.loc = nopLocation{}
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s, nil
}

// Run processes events until ctx is done. It closes the live feed before returning.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer func() {
		s.closeFeed()
		close(s.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			ev()
		}
	}
}

// post enqueues ev unless the session has stopped.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Load fetches the conversation list and selects the conversation the Location points to.
func (s *Session) Load() { s.post(s.load) }

// Select makes conversationID the active conversation.
func (s *Session) Select(conversationID string) {
	s.post(func() { s.selectConversation(conversationID) })
}

// Submit sends content to the active conversation. Blank content is ignored.
func (s *Session) Submit(content string) {
	s.post(func() { s.submit(content) })
}

// Delete removes one of the user's messages of the active conversation.
func (s *Session) Delete(messageID string) {
	s.post(func() { s.delete(messageID) })
}

// ConversationCreated refetches the conversation list then selects conversationID.
func (s *Session) ConversationCreated(conversationID string) {
	s.post(func() { s.fetchConversations(conversationID) })
}

// Refresh refetches the conversation list and the active conversation's messages, and
// reopens the live feed if it went down.
func (s *Session) Refresh() { s.post(s.refresh) }

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() (State, error) {
	reply := make(chan State, 1)
	if !s.post(func() { reply <- s.state() }) {
		return State{}, ErrNotRunning
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return State{}, ErrNotRunning
	}
}

func (s *Session) load() {
	s.fetchConversations("")
	if id := s.loc.Conversation(); id != "" {
		s.selectConversation(id)
	}
}

func (s *Session) refresh() {
	s.fetchConversations("")
	if s.activeID == "" {
		return
	}
	if s.feedErr != nil || s.feedCancel == nil {
		s.phase = PhaseLoading
		s.changed()
		s.openFeed(s.activeID, true)
		return
	}
	s.fetchMessages(s.activeID)
}

func (s *Session) selectConversation(id string) {
	id = strings.TrimSpace(id)
	if id == "" || id == s.activeID {
		return
	}
	s.activeID = id
	s.loc.SetConversation(id)
	s.messages = nil
	s.buffered = nil
	s.fetchSeq++ // drops any fetch still running for the previous conversation
	s.phase = PhaseLoading
	s.changed()

	// the history is fetched once the feed is up: messages inserted in between are buffered, not lost
	s.openFeed(id, true)
}

// fetchMessages loads the history of conversationID. Only the latest fetch of the
// still active conversation is applied.
func (s *Session) fetchMessages(conversationID string) {
	s.fetchSeq++
	seq := s.fetchSeq
	s.confirmed = make(map[string]bool)
	s.phase = PhaseLoading
	s.changed()

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		msgs, err := s.backend.Messages(ctx, conversationID)
		s.post(func() { s.messagesFetched(conversationID, seq, msgs, err) })
	}()
}

func (s *Session) messagesFetched(conversationID string, seq uint64, msgs []messaging.Message, err error) {
	if conversationID != s.activeID || seq != s.fetchSeq {
		return // stale
	}
	buffered := s.buffered
	s.buffered = nil

	if err != nil {
		s.notifyErr("could not load messages", err)
		if len(s.messages) == 0 {
			s.phase = PhaseSelected
		} else {
			s.phase = PhaseLoaded
		}
	} else {
		// sends confirmed after the snapshot was taken, then those still in flight, stay at the end
		list := make([]Entry, 0, len(msgs)+len(buffered))
		fetched := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			list = append(list, Entry{Message: m})
			fetched[m.ID] = true
		}
		for _, e := range s.messages {
			if !e.Pending && s.confirmed[e.ID] && !fetched[e.ID] {
				list = append(list, e)
			}
		}
		for _, e := range s.messages {
			if e.Pending {
				list = append(list, e)
			}
		}
		s.messages = list
		s.phase = PhaseLoaded
	}
	for _, m := range buffered {
		s.appendLive(m)
	}
	s.changed()
}

// fetchConversations reloads the conversation list, then selects thenSelect if not empty.
func (s *Session) fetchConversations(thenSelect string) {
	s.listSeq++
	seq := s.listSeq

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		list, err := s.backend.Conversations(ctx)
		s.post(func() { s.conversationsFetched(seq, list, err, thenSelect) })
	}()
}

func (s *Session) conversationsFetched(seq uint64, list []messaging.ConversationSummary, err error, thenSelect string) {
	switch {
	case err != nil:
		s.notifyErr("could not load conversations", err)
	case seq > s.listApplied:
		s.listApplied = seq
		if list == nil {
			list = make([]messaging.ConversationSummary, 0)
		}
		messaging.SortByActivity(list)
		s.conversations = list
		s.changed()
	}
	if thenSelect != "" {
		s.selectConversation(thenSelect)
	}
}

func (s *Session) submit(content string) {
	if strings.TrimSpace(content) == "" || s.activeID == "" {
		return
	}
	convID := s.activeID
	local := Entry{
		Message: messaging.Message{
			ID:             localIDPrefix + ulid.Make().String(),
			ConversationID: convID,
			Sender:         s.me,
			Content:        content,
			CreatedAt:      NowFunc().UTC(),
		},
		Pending: true,
	}
	s.messages = append(s.messages, local)
	s.changed()

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		msg, err := s.backend.Send(ctx, convID, content)
		s.post(func() { s.sendSettled(local.ID, msg, err) })
	}()
}

// sendSettled resolves the optimistic entry localID: dropped on failure, replaced in place
// by the confirmed message on success, or dropped if the live feed already delivered it.
func (s *Session) sendSettled(localID string, msg messaging.Message, err error) {
	i := s.indexOf(localID)
	if err != nil {
		if i >= 0 {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.changed()
		}
		s.notifyErr("message not sent", err)
		return
	}

	if i >= 0 {
		if s.indexOf(msg.ID) >= 0 {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		} else {
			s.messages[i] = Entry{Message: msg}
		}
		if s.confirmed != nil {
			s.confirmed[msg.ID] = true
		}
	}
	s.touch(msg)
	s.changed()
	s.notify(NoticeInfo, "message sent")
}

func (s *Session) delete(messageID string) {
	i := s.indexOf(messageID)
	if i < 0 || s.messages[i].Pending {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		msg, err := s.backend.Delete(ctx, messageID)
		s.post(func() { s.deleteSettled(messageID, msg, err) })
	}()
}

func (s *Session) deleteSettled(messageID string, msg messaging.Message, err error) {
	if err != nil {
		s.notifyErr("message not deleted", err)
		return
	}
	if i := s.indexOf(messageID); i >= 0 {
		s.messages[i] = Entry{Message: msg}
	}
	for i := range s.conversations {
		if last := s.conversations[i].LastMessage; last != nil && last.ID == msg.ID {
			m := msg
			s.conversations[i].LastMessage = &m
		}
	}
	s.changed()
	s.notify(NoticeInfo, "message deleted")
}

// openFeed replaces the live feed with one of conversationID. With fetch, the history is
// fetched once the subscription is established, or has failed.
func (s *Session) openFeed(conversationID string, fetch bool) {
	s.closeFeed()
	s.feedGen++
	gen := s.feedGen
	s.feedErr = nil

	ctx, cancel := context.WithCancel(s.ctx)
	s.feedCancel = cancel

	go func() {
		sub, err := s.feed.Subscribe(ctx, conversationID)
		s.post(func() { s.feedOpened(conversationID, gen, fetch, err) })
		if err != nil {
			return
		}
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					err := sub.Err()
					if err == nil && ctx.Err() == nil {
						err = messaging.ErrSubscriptionClosed
					}
					s.post(func() { s.feedEnded(conversationID, gen, err) })
					return
				}
				s.post(func() { s.live(conversationID, gen, msg) })
			}
		}
	}()
}

func (s *Session) closeFeed() {
	if s.feedCancel != nil {
		s.feedCancel()
		s.feedCancel = nil
	}
}

func (s *Session) feedOpened(conversationID string, gen uint64, fetch bool, err error) {
	if gen != s.feedGen {
		return // a newer feed fetches for itself
	}
	if err != nil {
		s.feedEnded(conversationID, gen, err)
	}
	if fetch && conversationID == s.activeID {
		s.fetchMessages(conversationID)
	}
}

func (s *Session) feedEnded(conversationID string, gen uint64, err error) {
	if gen != s.feedGen || err == nil || errors.Cause(err) == context.Canceled {
		return
	}
	s.feedErr = err
	s.logger.Warn(fmt.Sprintf("session: live feed of conversation %s ended: %v", conversationID, err), err, s.me)
	s.changed()
	s.notifyErr("live updates interrupted, refresh to resume", err)
}

func (s *Session) live(conversationID string, gen uint64, msg messaging.Message) {
	// a stale feed may still deliver after a switch
	if gen != s.feedGen || conversationID != s.activeID || msg.ConversationID != s.activeID {
		return
	}
	if s.phase == PhaseLoading {
		s.buffered = append(s.buffered, msg)
		return
	}
	if s.appendLive(msg) {
		s.changed()
	}
}

// appendLive appends msg unless already shown. Deliveries are at least once.
func (s *Session) appendLive(msg messaging.Message) bool {
	if s.indexOf(msg.ID) >= 0 {
		return false
	}
	s.messages = append(s.messages, Entry{Message: msg})
	s.touch(msg)
	return true
}

// touch updates the last message preview of msg's conversation and reorders the list.
func (s *Session) touch(msg messaging.Message) {
	for i := range s.conversations {
		if s.conversations[i].ID == msg.ConversationID {
			s.conversations[i].Touch(msg)
			messaging.SortByActivity(s.conversations)
			return
		}
	}
}

func (s *Session) indexOf(id string) int {
	for i, e := range s.messages {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) state() State {
	st := State{
		Me:            s.me,
		Conversations: make([]messaging.ConversationSummary, len(s.conversations)),
		ActiveID:      s.activeID,
		Phase:         s.phase,
		Messages:      make([]Entry, len(s.messages)),
		LiveErr:       s.feedErr,
	}
	copy(st.Conversations, s.conversations)
	copy(st.Messages, s.messages)
	if st.ActiveID != "" && st.Phase == PhaseIdle {
		st.Phase = PhaseSelected
	}
	return st
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange(s.state())
	}
}

func (s *Session) notify(level NoticeLevel, text string) {
	if s.onNotice != nil {
		s.onNotice(Notice{Level: level, Text: text})
	}
}

func (s *Session) notifyErr(text string, err error) {
	if s.onNotice != nil {
		s.onNotice(Notice{Level: NoticeError, Text: text, Err: err})
	}
}
