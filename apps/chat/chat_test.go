package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/messaging/session"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/services/realtime"
	testutil "github.com/trezcool/masomo/tests"
)

func Test_parseNewConversation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    messaging.NewConversation
		wantErr bool
	}{
		{name: "no participants", wantErr: true},
		{name: "name only", args: []string{"-name", "Physics"}, wantErr: true},
		{name: "unknown flag", args: []string{"-lol", "u1"}, wantErr: true},
		{name: "direct", args: []string{"u1"}, want: messaging.NewConversation{ParticipantIDs: []string{"u1"}}},
		{
			name: "group", args: []string{"-name", "Physics", "u1", "u2"},
			want: messaging.NewConversation{Name: "Physics", ParticipantIDs: []string{"u1", "u2"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNewConversation(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_printer(t *testing.T) {
	me := user.Profile{ID: "me", Name: "Alice", Role: user.RoleStudent}
	teacher := user.Profile{ID: "t", Name: "Mr Teacher", Role: user.RoleTeacher}
	at := time.Date(2021, 1, 1, 10, 0, 0, 0, time.UTC)
	conv := messaging.ConversationSummary{
		Conversation: messaging.Conversation{ID: "c1", Kind: messaging.KindDirect},
		DisplayName:  "Mr Teacher",
	}

	var out bytes.Buffer
	p := newPrinter(&out)
	st := session.State{Me: me, Conversations: []messaging.ConversationSummary{conv}, ActiveID: "c1", Phase: session.PhaseLoading}
	p.render(st)
	assert.Equal(t, "--- Mr Teacher ---\n", out.String())

	out.Reset()
	st.Phase = session.PhaseLoaded
	st.Messages = []session.Entry{
		{Message: messaging.Message{ID: "m1", ConversationID: "c1", Sender: teacher, Content: "hello", CreatedAt: at}},
		{Message: messaging.Message{ID: "local-1", ConversationID: "c1", Sender: me, Content: "hi", CreatedAt: at}, Pending: true},
	}
	p.render(st)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[m1]")
	assert.Contains(t, lines[0], "Mr Teacher: hello")
	assert.Contains(t, lines[1], "me: hi (sending…)")

	// unchanged entries are not printed again
	out.Reset()
	p.render(st)
	assert.Empty(t, out.String())

	out.Reset()
	st.Messages[0].Deleted = true
	st.Messages[0].Content = ""
	st.Messages[1] = session.Entry{Message: messaging.Message{ID: "m2", ConversationID: "c1", Sender: me, Content: "hi", CreatedAt: at}}
	p.render(st)
	assert.Contains(t, out.String(), "Mr Teacher: "+messaging.DeletedPlaceholder)
	assert.Contains(t, out.String(), "[m2]")
	assert.Contains(t, out.String(), "me: hi")

	out.Reset()
	st.LiveErr = messaging.ErrSubscriptionClosed
	p.render(st)
	assert.Contains(t, out.String(), "/refresh to reconnect")
}

func Test_listConversations(t *testing.T) {
	var out bytes.Buffer
	listConversations(&out, session.State{})
	assert.Contains(t, out.String(), "no conversations yet")

	out.Reset()
	last := messaging.Message{ID: "m1", Content: "see you", Deleted: true}
	listConversations(&out, session.State{
		ActiveID: "c2",
		Conversations: []messaging.ConversationSummary{
			{Conversation: messaging.Conversation{ID: "c1"}, DisplayName: "Bob", LastMessage: &last},
			{Conversation: messaging.Conversation{ID: "c2"}, DisplayName: "Physics"},
		},
	})
	assert.Equal(t, "  c1  Bob: "+messaging.DeletedPlaceholder+"\n> c2  Physics\n", out.String())
}

func Test_inputLine(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{raw: "\n"},
		{raw: " \t \r\n", want: " \t "},
		{raw: "hello\n", want: "hello", wantOK: true},
		{raw: "  indented()  \r\n", want: "  indented()  ", wantOK: true},
		{raw: "last line", want: "last line", wantOK: true},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.raw), func(t *testing.T) {
			got, ok := inputLine(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

type sendRecorder struct {
	sent chan string
}

func (b *sendRecorder) Conversations(context.Context) ([]messaging.ConversationSummary, error) {
	return nil, nil
}

func (b *sendRecorder) Messages(context.Context, string) ([]messaging.Message, error) {
	return nil, nil
}

func (b *sendRecorder) Send(_ context.Context, conversationID, content string) (messaging.Message, error) {
	b.sent <- content
	return messaging.Message{ID: "m-" + content, ConversationID: conversationID, Content: content}, nil
}

func (b *sendRecorder) Delete(context.Context, string) (messaging.Message, error) {
	return messaging.Message{}, messaging.ErrMessageNotFound
}

func Test_repl_handle(t *testing.T) {
	logger := testutil.NewLogger()
	hub := realtime.NewHub(8, logger, nil)
	defer hub.Close()

	loc, err := session.NewURLLocation("masomo://chat")
	require.NoError(t, err)
	backend := &sendRecorder{sent: make(chan string, 4)}
	me := user.Profile{ID: "me", Name: "Alice", Role: user.RoleStudent}
	sess, err := session.New(me, backend, hub, logger, session.Options{Location: loc})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	var out bytes.Buffer
	r := repl{sess: sess, out: &out, loc: loc}

	require.NoError(t, r.handle(ctx, "  /open c1 "))
	require.Eventually(t, func() bool {
		st, err := sess.Snapshot()
		return err == nil && st.ActiveID == "c1" && st.Phase == session.PhaseLoaded
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.handle(ctx, "    return x  "))
	select {
	case content := <-backend.sent:
		assert.Equal(t, "    return x  ", content)
	case <-time.After(time.Second):
		t.Fatal("message not sent")
	}

	assert.Equal(t, errQuit, r.handle(ctx, " /quit"))
	assert.Error(t, r.handle(ctx, "/lol"))
	require.NoError(t, r.handle(ctx, "/link"))
	assert.Equal(t, "masomo://chat?conversation=c1\n", out.String())
}
