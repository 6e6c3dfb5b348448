package messaging

import (
	"context"
	"time"
)

type (
	// Repository is the Conversation Store contract.
	Repository interface {
		// QueryParticipants returns the membership rows of all given users.
		QueryParticipants(ctx context.Context, userIDs []string) ([]Participant, error)
		GetConversation(ctx context.Context, id string) (Conversation, error)
		// CreateConversation atomically inserts the conversation and one membership row per
		// participant. It returns ErrDirectExists if a direct conversation already exists for the pair.
		CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
		// QueryConversations returns the conversations userID is part of, with their
		// participants and last message (derived fields left empty).
		QueryConversations(ctx context.Context, userID string) ([]ConversationSummary, error)

		// CreateMessage inserts the message along with the sender's current profile.
		CreateMessage(ctx context.Context, nm NewMessage) (Message, error)
		GetMessage(ctx context.Context, id string) (Message, error)
		// SoftDeleteMessage flags a live message as deleted. It returns ErrAlreadyDeleted if it was.
		SoftDeleteMessage(ctx context.Context, id string, at time.Time) (Message, error)
		// QueryMessages returns a conversation's messages in creation order.
		QueryMessages(ctx context.Context, conversationID string) ([]Message, error)
	}

	// Publisher pushes a persisted message to the live subscribers of its conversation.
	Publisher interface {
		Publish(ctx context.Context, msg Message) error
	}

	// Subscriber opens live feeds of newly inserted messages.
	Subscriber interface {
		// Subscribe delivers the messages of conversationID inserted from now on, in insert order.
		// Delivery is at least once. The feed ends when ctx is done or the Subscription is closed.
		Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	}

	Broker interface {
		Publisher
		Subscriber
	}

	Subscription interface {
		// Messages is closed when the subscription ends.
		Messages() <-chan Message
		// Err tells why Messages was closed; nil when closed by the subscriber.
		Err() error
		Close()
	}

	// Notifier is told about every sent message, after it is persisted.
	Notifier interface {
		MessageSent(ctx context.Context, msg Message, recipientIDs []string)
	}
)
