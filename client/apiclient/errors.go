package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

// known maps API error messages back to the domain errors, so errors.Cause works across the wire.
var known = map[string]error{}

func init() {
	for _, err := range []error{
		messaging.ErrNoParticipants,
		messaging.ErrSelfConversation,
		messaging.ErrEmptyContent,
		messaging.ErrContentTooLong,
		messaging.ErrNotParticipant,
		messaging.ErrNotSender,
		messaging.ErrAlreadyDeleted,
		messaging.ErrConversationNotFound,
		messaging.ErrMessageNotFound,
		user.ErrNotFound,
		user.ErrInactive,
	} {
		known[err.Error()] = err
	}
}

// Error is an API error response.
type Error struct {
	Status  int
	Message string
	Fields  map[string]string // validation errors, by field
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Cause returns the domain error matching the response, if any.
func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

// decodeError reads {"error": "..."} bodies and the {"field": "message"} ones of validation errors.
func decodeError(status int, body []byte) error {
	apiErr := &Error{Status: status}

	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err == nil {
		if msg, ok := fields["error"].(string); ok && len(fields) == 1 {
			apiErr.Message = msg
		} else {
			apiErr.Fields = make(map[string]string, len(fields))
			keys := make([]string, 0, len(fields))
			for k, v := range fields {
				apiErr.Fields[k] = fmt.Sprint(v)
				keys = append(keys, k)
			}
			sort.Strings(keys)
			msgs := make([]string, 0, len(keys))
			for _, k := range keys {
				msgs = append(msgs, k+": "+apiErr.Fields[k])
			}
			apiErr.Message = strings.Join(msgs, ", ")
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	if err, ok := known[apiErr.Message]; ok {
		apiErr.cause = err
	} else {
		for _, msg := range apiErr.Fields {
			if err, ok := known[msg]; ok {
				apiErr.cause = err
				break
			}
		}
	}
	if apiErr.cause == nil {
		apiErr.cause = errors.New(apiErr.Message)
	}
	return apiErr
}

// IsUnauthorized tells whether the token is missing, invalid or expired.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
