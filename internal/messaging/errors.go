package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vdavid/helphub/backend/internal/helpapi"
)

// Kind classifies a failure by the corrective action it calls for.
type Kind string

const (
	// KindValidation covers input problems caught before any network call.
	KindValidation Kind = "validation"
	// KindAuthorization covers signing in and self-messaging.
	KindAuthorization Kind = "authorization"
	// KindNotFound covers references to messages or conversations that are gone.
	KindNotFound Kind = "not_found"
	// KindTransient covers network and server failures; retrying may help.
	KindTransient Kind = "transient"
)

var (
	ErrEmptyBody            = errors.New("message body is required")
	ErrEmptySubject         = errors.New("subject is required")
	ErrMissingResource      = errors.New("a resource must be selected")
	ErrUnresolvedResource   = errors.New("resource has not been looked up yet")
	ErrInvalidPriority      = errors.New("unknown priority")
	ErrNoOpenConversation   = errors.New("no conversation is open")
	ErrDeleteNotConfirmed   = errors.New("deletion was not confirmed")
	ErrMessagePending       = errors.New("message is still being sent")
	ErrSelfMessage          = errors.New("you cannot send a message to yourself")
	ErrNotAuthenticated     = errors.New("you need to sign in to send messages")
	ErrForbidden            = errors.New("you are not allowed to do that")
	ErrMessageNotFound      = errors.New("message not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Error is the structured failure every public messaging operation returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func validationError(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func notFoundError(op string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// classify turns a backend error into an Error of the matching kind.
func classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, helpapi.ErrSelfMessage):
		return &Error{Kind: KindAuthorization, Op: op, Err: fmt.Errorf("%w: %w", ErrSelfMessage, err)}
	case errors.Is(err, helpapi.ErrUnauthenticated):
		return &Error{Kind: KindAuthorization, Op: op, Err: fmt.Errorf("%w: %w", ErrNotAuthenticated, err)}
	case errors.Is(err, helpapi.ErrForbidden):
		return &Error{Kind: KindAuthorization, Op: op, Err: fmt.Errorf("%w: %w", ErrForbidden, err)}
	case errors.Is(err, helpapi.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case isRejected(err):
		return &Error{Kind: KindValidation, Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("request timed out: %w", err)}
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// isRejected reports whether the backend refused the request as invalid.
func isRejected(err error) bool {
	var apiErr *helpapi.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity
}
