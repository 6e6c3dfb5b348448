package session

import (
	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

// Phase of the active conversation.
type Phase int

const (
	PhaseIdle     Phase = iota // no active conversation
	PhaseSelected              // active conversation set, messages not loaded
	PhaseLoading
	PhaseLoaded
)

func (p Phase) String() string {
	switch p {
	case PhaseSelected:
		return "selected"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	default:
		return "idle"
	}
}

// Entry is a message as shown in the active conversation.
// While Pending, Message.ID is a local id and the message is not yet persisted.
type Entry struct {
	messaging.Message
	Pending bool `json:"pending"`
}

// State is a copy of what the session shows.
type State struct {
	Me            user.Profile                    `json:"me"`
	Conversations []messaging.ConversationSummary `json:"conversations"`
	ActiveID      string                          `json:"active_id"`
	Phase         Phase                           `json:"phase"`
	Messages      []Entry                         `json:"messages"`
	// LiveErr is set while the live feed of the active conversation is down.
	LiveErr error `json:"-"`
}

// Active returns the summary of the active conversation, if listed.
func (st State) Active() (messaging.ConversationSummary, bool) {
	for _, c := range st.Conversations {
		if c.ID == st.ActiveID {
			return c, true
		}
	}
	return messaging.ConversationSummary{}, false
}

// InFlight returns the local ids of the messages being sent.
func (st State) InFlight() []string {
	ids := make([]string, 0)
	for _, e := range st.Messages {
		if e.Pending {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// NoticeLevel of a Notice
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a transient notification of the outcome of an action.
type Notice struct {
	Level NoticeLevel
	Text  string
	Err   error
}
