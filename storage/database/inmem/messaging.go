package inmemdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

var NowFunc = time.Now // mockable

type messagingRepository struct {
	db *DB
}

var _ messaging.Repository = (*messagingRepository)(nil) // interface compliance check

func NewMessagingRepository(db *DB) messaging.Repository {
	return &messagingRepository{db: db}
}

func (repo *messagingRepository) QueryParticipants(_ context.Context, userIDs []string) ([]messaging.Participant, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}
	rows := make([]messaging.Participant, 0)
	for _, members := range repo.db.participants {
		for _, p := range members {
			if _, ok := wanted[p.UserID]; ok {
				rows = append(rows, p)
			}
		}
	}
	return rows, nil
}

func (repo *messagingRepository) GetConversation(_ context.Context, id string) (messaging.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.getConversation(id)
}

func (repo *messagingRepository) getConversation(id string) (messaging.Conversation, error) {
	conv, ok := repo.db.conversations[id]
	if !ok {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	c := *conv
	c.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	return c, nil
}

func (repo *messagingRepository) CreateConversation(_ context.Context, conv messaging.Conversation) (messaging.Conversation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, id := range conv.ParticipantIDs {
		if _, ok := repo.db.users[id]; !ok {
			return messaging.Conversation{}, user.ErrNotFound
		}
	}
	key := conv.DirectKey()
	if key != "" {
		if _, ok := repo.db.directKeys[key]; ok {
			return messaging.Conversation{}, messaging.ErrDirectExists
		}
	}

	conv.ID = uuid.New().String()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = NowFunc().UTC()
	}
	conv.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	stored := conv
	repo.db.conversations[conv.ID] = &stored
	if key != "" {
		repo.db.directKeys[key] = conv.ID
	}
	members := make([]messaging.Participant, 0, len(conv.ParticipantIDs))
	for _, id := range conv.ParticipantIDs {
		members = append(members, messaging.Participant{ConversationID: conv.ID, UserID: id, JoinedAt: conv.CreatedAt})
	}
	repo.db.participants[conv.ID] = members
	return conv, nil
}

func (repo *messagingRepository) QueryConversations(_ context.Context, userID string) ([]messaging.ConversationSummary, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	list := make([]messaging.ConversationSummary, 0)
	for id, conv := range repo.db.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		c, _ := repo.getConversation(id)
		summary := messaging.ConversationSummary{Conversation: c}
		for _, pid := range c.ParticipantIDs {
			if usr, ok := repo.db.users[pid]; ok {
				summary.Participants = append(summary.Participants, usr.Profile())
			}
		}
		if thread := repo.db.threads[id]; len(thread) > 0 {
			last := *repo.db.messages[thread[len(thread)-1]]
			summary.LastMessage = &last
		}
		list = append(list, summary)
	}
	return list, nil
}

func (repo *messagingRepository) CreateMessage(_ context.Context, nm messaging.NewMessage) (messaging.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.conversations[nm.ConversationID]; !ok {
		return messaging.Message{}, messaging.ErrConversationNotFound
	}
	sender, ok := repo.db.users[nm.SenderID]
	if !ok {
		return messaging.Message{}, user.ErrNotFound
	}

	msg := messaging.Message{
		ID:             uuid.New().String(),
		ConversationID: nm.ConversationID,
		Sender:         sender.Profile(),
		Content:        nm.Content,
		CreatedAt:      NowFunc().UTC(),
	}
	stored := msg
	repo.db.messages[msg.ID] = &stored
	repo.db.threads[msg.ConversationID] = append(repo.db.threads[msg.ConversationID], msg.ID)
	return msg, nil
}

func (repo *messagingRepository) GetMessage(_ context.Context, id string) (messaging.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	msg, ok := repo.db.messages[id]
	if !ok {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	return *msg, nil
}

func (repo *messagingRepository) SoftDeleteMessage(_ context.Context, id string, _ time.Time) (messaging.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	msg, ok := repo.db.messages[id]
	if !ok {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	if msg.Deleted {
		return messaging.Message{}, messaging.ErrAlreadyDeleted
	}
	msg.Deleted = true
	return *msg, nil
}

func (repo *messagingRepository) QueryMessages(_ context.Context, conversationID string) ([]messaging.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if _, ok := repo.db.conversations[conversationID]; !ok {
		return nil, messaging.ErrConversationNotFound
	}
	thread := repo.db.threads[conversationID]
	msgs := make([]messaging.Message, 0, len(thread))
	for _, id := range thread {
		msgs = append(msgs, *repo.db.messages[id])
	}
	return msgs, nil
}
