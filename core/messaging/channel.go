package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

const (
	defaultMaxContentLength = 4000
	lockStripes             = 32
)

// Channel persists messages one at a time and exposes the live feed of a conversation.
type Channel struct {
	repo     Repository
	broker   Broker
	notifier Notifier // optional
	logger   core.Logger
	maxLen   int

	// insert then publish happen under the conversation's stripe, so that in-process
	// subscribers see messages in insert order
	stripes [lockStripes]sync.Mutex
}

func NewChannel(repo Repository, broker Broker, notifier Notifier, logger core.Logger, maxContentLen int) *Channel {
	if maxContentLen <= 0 {
		maxContentLen = defaultMaxContentLength
	}
	return &Channel{
		repo:     repo,
		broker:   broker,
		notifier: notifier,
		logger:   logger,
		maxLen:   maxContentLen,
	}
}

// Send persists content as a message of conversationID from senderID and pushes it to the
// live subscribers of the conversation. The returned message carries the sender's profile
// as of now.
func (ch *Channel) Send(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	switch {
	case strings.TrimSpace(conversationID) == "":
		return Message{}, validationErr(ErrMissingConversation, "conversation_id")
	case strings.TrimSpace(senderID) == "":
		return Message{}, validationErr(ErrMissingSender, "sender_id")
	case strings.TrimSpace(content) == "":
		return Message{}, validationErr(ErrEmptyContent, "content")
	case utf8.RuneCountInString(content) > ch.maxLen:
		return Message{}, core.NewValidationError(ErrContentTooLong, core.FieldError{
			Field: "content",
			Error: fmt.Sprintf("message content cannot exceed %d characters", ch.maxLen),
		})
	}

	conv, err := ch.member(ctx, conversationID, senderID)
	if err != nil {
		return Message{}, err
	}

	msg, err := ch.insertAndPublish(ctx, NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		return Message{}, err
	}
	if ch.notifier != nil {
		recipients := make([]string, 0, len(conv.ParticipantIDs))
		for _, id := range conv.ParticipantIDs {
			if id != senderID {
				recipients = append(recipients, id)
			}
		}
		ch.notifier.MessageSent(ctx, msg, recipients)
	}
	return msg, nil
}

func (ch *Channel) insertAndPublish(ctx context.Context, nm NewMessage) (Message, error) {
	mu := ch.stripe(nm.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := ch.repo.CreateMessage(ctx, nm)
	if err != nil {
		return Message{}, storeErr(err, "creating message")
	}
	// the message is persisted: feed failures must not fail the send
	if err = ch.broker.Publish(ctx, msg); err != nil {
		ch.logger.Warn(fmt.Sprintf("publishing message %s: %v", msg.ID, err), err, msg.Sender)
	}
	return msg, nil
}

func (ch *Channel) stripe(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &ch.stripes[h.Sum32()%lockStripes]
}

// Delete soft-deletes messageID on behalf of requesterID, who must be its sender.
// The content is retained. Deleting twice returns ErrAlreadyDeleted.
func (ch *Channel) Delete(ctx context.Context, messageID, requesterID string) (Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return Message{}, validationErr(ErrMissingMessage, "message_id")
	}

	msg, err := ch.repo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, storeErr(err, "getting message")
	}
	if msg.Sender.ID != requesterID {
		return Message{}, ErrNotSender
	}
	if msg.Deleted {
		return Message{}, ErrAlreadyDeleted
	}

	msg, err = ch.repo.SoftDeleteMessage(ctx, messageID, NowFunc().UTC())
	if err != nil {
		return Message{}, storeErr(err, "deleting message")
	}
	return msg, nil
}

// Subscribe opens the live feed of conversationID for one of its participants.
func (ch *Channel) Subscribe(ctx context.Context, conversationID, userID string) (Subscription, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, validationErr(ErrMissingConversation, "conversation_id")
	}
	if _, err := ch.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	sub, err := ch.broker.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing")
	}
	return sub, nil
}

// member returns the conversation if userID takes part in it.
func (ch *Channel) member(ctx context.Context, conversationID, userID string) (Conversation, error) {
	conv, err := ch.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, storeErr(err, "getting conversation")
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, ErrNotParticipant
	}
	return conv, nil
}
