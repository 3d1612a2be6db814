package triplink

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an invoke is attempted on a channel
	// that is not in the connected state.
	ErrNotConnected = errors.New("channel not connected")

	// ErrClosed is returned when the channel has been closed by its owner.
	ErrClosed = errors.New("channel closed")
)

// ConnectionError reports a failure to establish the initial transport.
// It is fatal to the session that attempted it; steady-state transport
// errors are retried by the reconnect policy instead.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvocationError reports a failed remote call. Callers handle these
// per-call: Register failures are logged and swallowed, JoinBookingRoom
// failures end the session, send failures leave the draft with the caller.
type InvocationError struct {
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ReconciliationError reports a failed history fallback fetch. The empty
// message list is left as-is; no retry is scheduled.
type ReconciliationError struct {
	ConversationID string
	Err            error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.ConversationID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// ReadReceiptError reports a failed mark-as-read call. The message stays
// unread locally and is retried on the next pass.
type ReadReceiptError struct {
	MessageID string
	Err       error
}

func (e *ReadReceiptError) Error() string {
	return fmt.Sprintf("mark read %s: %v", e.MessageID, e.Err)
}

func (e *ReadReceiptError) Unwrap() error { return e.Err }
