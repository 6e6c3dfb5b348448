package messaging

import (
	"context"

	"github.com/trezcool/masomo/core"
)

type (
	ServiceInterface interface {
		// Resolve finds or creates a conversation (see Resolver).
		Resolve(ctx context.Context, creatorID string, nc NewConversation) (Resolution, error)
		// Conversations lists userID's conversations, most recent activity first.
		Conversations(ctx context.Context, userID string) ([]ConversationSummary, error)
		// Messages lists a conversation's messages, oldest first, for one of its participants.
		Messages(ctx context.Context, conversationID, userID string) ([]Message, error)
		Send(ctx context.Context, conversationID, senderID, content string) (Message, error)
		Delete(ctx context.Context, messageID, requesterID string) (Message, error)
		Subscribe(ctx context.Context, conversationID, userID string) (Subscription, error)
	}

	service struct {
		*Resolver
		*Channel
		repo Repository
	}
)

var _ ServiceInterface = (*service)(nil)

type Options struct {
	MaxContentLength int
	Notifier         Notifier
}

func NewService(repo Repository, broker Broker, logger core.Logger, opts Options) ServiceInterface {
	return &service{
		Resolver: NewResolver(repo, logger),
		Channel:  NewChannel(repo, broker, opts.Notifier, logger, opts.MaxContentLength),
		repo:     repo,
	}
}

func (svc *service) Conversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if userID == "" {
		return nil, validationErr(ErrMissingSender, "user_id")
	}
	list, err := svc.repo.QueryConversations(ctx, userID)
	if err != nil {
		return nil, storeErr(err, "querying conversations")
	}
	for i := range list {
		list[i].Derive(userID)
	}
	SortByActivity(list)
	return list, nil
}

func (svc *service) Messages(ctx context.Context, conversationID, userID string) ([]Message, error) {
	if conversationID == "" {
		return nil, validationErr(ErrMissingConversation, "conversation_id")
	}
	if _, err := svc.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := svc.repo.QueryMessages(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "querying messages")
	}
	return msgs, nil
}
