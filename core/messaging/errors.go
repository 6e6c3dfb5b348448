package messaging

import (
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

var (
	// validation
	ErrNoParticipants      = errors.New("at least one participant is required")
	ErrSelfConversation    = errors.New("a conversation needs at least one other participant")
	ErrEmptyContent        = errors.New("message content cannot be empty")
	ErrContentTooLong      = errors.New("message content is too long")
	ErrMissingConversation = errors.New("conversation id is required")
	ErrMissingSender       = errors.New("sender id is required")
	ErrMissingMessage      = errors.New("message id is required")

	// authorization
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrNotSender      = errors.New("only the sender can delete this message")

	// idempotency
	ErrAlreadyDeleted = errors.New("message already deleted")

	// not found
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")

	// store: a direct conversation for this pair already exists
	ErrDirectExists = errors.New("direct conversation already exists")

	// live feed
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// StoreError is an opaque Conversation Store failure carrying the underlying error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StoreError) Cause() error  { return e.Err }
func (e *StoreError) Unwrap() error { return e.Err }

// storeErr wraps unexpected repository errors, leaving the domain sentinels untouched.
func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	switch errors.Cause(err) {
	case ErrConversationNotFound, ErrMessageNotFound, ErrAlreadyDeleted, ErrDirectExists, user.ErrNotFound:
		return errors.Cause(err)
	}
	return &StoreError{Op: op, Err: err}
}

func validationErr(err error, field string) error {
	return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
}

func IsNotFound(err error) bool {
	switch errors.Cause(err) {
	case ErrConversationNotFound, ErrMessageNotFound, user.ErrNotFound:
		return true
	}
	return false
}

func IsForbidden(err error) bool {
	switch errors.Cause(err) {
	case ErrNotParticipant, ErrNotSender:
		return true
	}
	return false
}
