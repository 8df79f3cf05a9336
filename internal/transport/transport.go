// Package transport abstracts the outbound provider as an opaque
// send(phone, text) capability with a small failure taxonomy. The worker's
// retry decisions hang entirely off Kind.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a send failure.
type Kind string

const (
	// KindRateLimited means the provider throttled us; transient, and the
	// tenant's pacing should tighten.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindInvalidRecipient is terminal for the job only; no retry.
	KindInvalidRecipient Kind = "INVALID_RECIPIENT"
	// KindAuthFailed means the tenant's credentials are bad; fatal for the
	// tenant's whole run.
	KindAuthFailed Kind = "AUTH_FAILED"
	// KindTransient covers everything retryable.
	KindTransient Kind = "TRANSIENT"
)

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewError builds a classified transport error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind, defaulting unknown errors to transient
// so network hiccups get retried rather than dead-lettered immediately.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// Sender is the outbound transport capability.
type Sender interface {
	// Send delivers one message and returns the provider's message id.
	Send(ctx context.Context, phone, text string) (string, error)
}
