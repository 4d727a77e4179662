package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/subscription"
)

// ErrScopeClosed is returned by calls on a scope whose loop has exited.
var ErrScopeClosed = errors.New("scope closed")

// Kind categorizes a Failure.
type Kind string

const (
	// KindRemote is a failed backing-store or catalog request. Local
	// state was rolled back if the request followed an optimistic apply.
	KindRemote Kind = "remote"

	// KindConflict is a benign race (upsert against delete, duplicate
	// create). It is surfaced as success and never recorded.
	KindConflict Kind = "conflict"

	// KindNotFound means the requested row does not exist.
	KindNotFound Kind = "not_found"

	// KindChannel is a push subscription that could not be restored.
	KindChannel Kind = "channel"
)

// Failure is a typed, dismissible error recorded on a scope.
//
// Every network-bound error is converted to a Failure at the boundary
// of the scope call that issued it, so nothing escapes as a fault that
// stops the loop.
type Failure struct {
	// ID addresses the failure for Dismiss.
	ID int64

	Kind Kind

	// Op names the scope operation, e.g. "like" or "load feed".
	Op string

	// Message is the text rendered inline to the user.
	Message string

	Err error
	At  time.Time
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s %s: %v", f.Kind, f.Op, f.Err)
	}
	return fmt.Sprintf("%s %s: %s", f.Kind, f.Op, f.Message)
}

// Unwrap exposes the underlying error to errors.Is.
func (f *Failure) Unwrap() error { return f.Err }

// Classify maps a backing error onto the failure taxonomy.
// A nil error classifies as "".
func Classify(err error) Kind {
	var (
		ce *subscription.ChannelError
		oe *channelOpenError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce), errors.As(err, &oe):
		return KindChannel
	case errors.Is(err, model.ErrConflict):
		return KindConflict
	case errors.Is(err, model.ErrNotFound):
		return KindNotFound
	default:
		return KindRemote
	}
}

// newFailure builds an unnumbered failure for err.
func newFailure(op string, err error) *Failure {
	kind := Classify(err)
	return &Failure{Kind: kind, Op: op, Message: message(kind, op), Err: err}
}

func message(kind Kind, op string) string {
	switch kind {
	case KindNotFound:
		return "Not found."
	case KindChannel:
		return "Live updates are unavailable. Reopen the view to retry."
	default:
		return fmt.Sprintf("Could not %s. Please try again.", op)
	}
}

// IsRemote returns true if err is a remote Failure.
// Uses errors.As to handle wrapped errors.
func IsRemote(err error) bool {
	return isKind(err, KindRemote)
}

// IsNotFound returns true if err is a not-found Failure.
func IsNotFound(err error) bool {
	return isKind(err, KindNotFound)
}

// IsChannel returns true if err is a channel Failure.
func IsChannel(err error) bool {
	return isKind(err, KindChannel)
}

func isKind(err error, kind Kind) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}
