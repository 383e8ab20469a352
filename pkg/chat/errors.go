package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInvitation = errors.New("chat: invalid invitation link")
	ErrInvalidState      = errors.New("chat: operation not allowed in current state")
	ErrNameRequired      = errors.New("chat: display name is required")
	ErrNameTaken         = errors.New("chat: display name already in use")
	ErrNameTooLong       = errors.New("chat: display name too long")
	ErrDisconnected      = errors.New("chat: realtime connection lost")
	ErrEmptyMessage      = errors.New("chat: message is empty")
	ErrUnknownMessage    = errors.New("chat: no such message")

	// mirrors of the server taxonomy, matched by APIError.Is
	ErrValidation       = errors.New("chat: rejected by server")
	ErrCapacityExceeded = errors.New("chat: group capacity reached")
	ErrGroupNotFound    = errors.New("chat: group not found")
)

// APIError is a non-2xx response from the group API.
type APIError struct {
	Status  int
	Message string
	// RetryAfter is parsed from the Retry-After header of a 429.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("group api: %d %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Status == 400
	case ErrCapacityExceeded:
		return e.Status == 403
	case ErrGroupNotFound:
		return e.Status == 404
	}
	return false
}
