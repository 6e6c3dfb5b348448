package messaging

import (
	"sort"
	"strings"
	"time"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

// Kind of Conversation
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// DeletedPlaceholder is shown in place of the content of a soft-deleted message.
const DeletedPlaceholder = "message removed"

type Conversation struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Name           *string   `json:"name"`
	CreatorID      string    `json:"creator_id"`
	ParticipantIDs []string  `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"` // UTC
}

// DirectKey is the store-level identity of a direct conversation: its sorted pair of members.
// It is empty for group conversations.
func (c Conversation) DirectKey() string {
	if c.Kind != KindDirect || len(c.ParticipantIDs) != 2 {
		return ""
	}
	return DirectKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DirectKey returns the unordered pair key of two users.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Participant is a conversation membership row.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Message is a persisted message. Sender is the sender's identity as of send time.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Sender         user.Profile `json:"sender"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"` // UTC
	Deleted        bool         `json:"deleted"`
}

// Preview is the text shown for the message in conversation lists.
func (m Message) Preview() string {
	if m.Deleted {
		return DeletedPlaceholder
	}
	return m.Content
}

// NewMessage contains information needed to persist a Message.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
}

// NewConversation is a request to find or create a conversation between the creator and
// ParticipantIDs (the creator is implicitly added).
type NewConversation struct {
	ParticipantIDs []string `json:"participant_ids" validate:"required"`
	Name           string   `json:"name" validate:"max=100"`
}

func (nc *NewConversation) Clean() {
	nc.Name = core.CleanString(nc.Name)
	ids := make([]string, 0, len(nc.ParticipantIDs))
	for _, id := range nc.ParticipantIDs {
		if id = core.CleanString(id); id != "" {
			ids = append(ids, id)
		}
	}
	nc.ParticipantIDs = ids
}

// Resolution is the outcome of a find-or-create.
type Resolution struct {
	Conversation Conversation `json:"conversation"`
	Created      bool         `json:"created"`
}

// ConversationSummary is a Conversation as listed to one of its participants.
type ConversationSummary struct {
	Conversation
	Participants []user.Profile `json:"participants"`
	DisplayName  string         `json:"display_name"`
	LastMessage  *Message       `json:"last_message"`
	LastActivity time.Time      `json:"last_activity"`
}

// Derive computes the display name and last activity of the summary as seen by viewerID.
func (s *ConversationSummary) Derive(viewerID string) {
	s.LastActivity = s.CreatedAt
	if s.LastMessage != nil && s.LastMessage.CreatedAt.After(s.LastActivity) {
		s.LastActivity = s.LastMessage.CreatedAt
	}

	if s.Kind == KindGroup && s.Name != nil && *s.Name != "" {
		s.DisplayName = *s.Name
		return
	}
	names := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.ID != viewerID {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	s.DisplayName = strings.Join(names, ", ")
}

// Touch records msg as the latest message of the summary.
func (s *ConversationSummary) Touch(msg Message) {
	if s.LastMessage != nil && msg.CreatedAt.Before(s.LastMessage.CreatedAt) {
		return
	}
	m := msg
	s.LastMessage = &m
	if msg.CreatedAt.After(s.LastActivity) {
		s.LastActivity = msg.CreatedAt
	}
}

// SortByActivity orders summaries by most recent activity first.
func SortByActivity(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LastActivity.Equal(list[j].LastActivity) {
			return list[i].ID < list[j].ID
		}
		return list[i].LastActivity.After(list[j].LastActivity)
	})
}
