package subscriptions

import (
	"errors"
	"strings"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Common errors for the subscriptions package.
var (
	// ErrParamsNotObject indicates the subscribe hook did not return a parameter set.
	ErrParamsNotObject = errors.New("params must be an object")
	// ErrInvalidMessageType indicates an inbound frame with an unrecognized type.
	ErrInvalidMessageType = errors.New("invalid message type")
	// ErrProhibitedConnection indicates the init hook rejected the connection.
	ErrProhibitedConnection = errors.New("prohibited connection")
	// ErrNotInitialized indicates a start arrived before a successful init
	// while RequireInit is enabled.
	ErrNotInitialized = errors.New("connection not initialized")
	// ErrMissingField indicates a required field was absent from a start message.
	ErrMissingField = errors.New("missing required field")
	// ErrSubscriptionClosed indicates the subscription was torn down while
	// the backend was still setting it up.
	ErrSubscriptionClosed = errors.New("subscription closed during setup")
)

// ExecutionError carries GraphQL-level errors produced while executing a
// subscription. Backends that do not build gqlerror values themselves can
// return or deliver one of these to have the errors reported as data.
type ExecutionError struct {
	Errors gqlerror.List
}

// Error joins the messages of the wrapped GraphQL errors.
func (e *ExecutionError) Error() string {
	return e.Errors.Error()
}

// NewExecutionError builds an ExecutionError from plain messages.
func NewExecutionError(messages ...string) *ExecutionError {
	list := make(gqlerror.List, 0, len(messages))
	for _, m := range messages {
		list = append(list, &gqlerror.Error{Message: m})
	}
	return &ExecutionError{Errors: list}
}

// graphQLErrors reports whether err carries GraphQL-shaped errors and returns them.
func graphQLErrors(err error) (gqlerror.List, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Errors, true
	}

	var list gqlerror.List
	if errors.As(err, &list) {
		return list, true
	}

	var single *gqlerror.Error
	if errors.As(err, &single) {
		return gqlerror.List{single}, true
	}

	return nil, false
}

// errorText stringifies the errors of a GraphQL error list.
func errorText(list gqlerror.List) string {
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		if e == nil {
			continue
		}
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
