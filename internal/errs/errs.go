// Package errs defines the error taxonomy shared by the realtime core.
//
// Validation failures (Conflict, Rejected, NotFound) are terminal for the
// call that produced them. Transient failures are the only class eligible
// for retry, and only at the call boundary.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict: sequence race lost, duplicate guest join, duplicate active room.
	ErrConflict = errors.New("conflict")

	// ErrNotFound: the referenced topic, room or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRejected: the request was validated and refused. Use AsRejection to
	// recover the reason.
	ErrRejected = errors.New("rejected")

	// ErrTransient: storage or network failure, safe to retry.
	ErrTransient = errors.New("transient")

	// ErrRateLimited: the actor exceeded a rate limit rule. Not retried.
	ErrRateLimited = errors.New("rate limited")
)

// Reason is a stable, machine readable rejection reason.
type Reason string

const (
	ReasonNotYourTurn    Reason = "not_your_turn"
	ReasonRoomNotPlaying Reason = "room_not_playing"
	ReasonInvalidPayload Reason = "invalid_payload"
	ReasonRoomFinished   Reason = "room_finished"
	ReasonNotParticipant Reason = "not_participant"
	ReasonBlockedContent Reason = "blocked_content"
	ReasonBlockedUser    Reason = "blocked_user"
)

// Rejection is returned for authoritative refusals such as an invalid move.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("rejected: %s", r.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", r.Reason, r.Detail)
}

// Unwrap lets errors.Is(err, ErrRejected) match any Rejection.
func (r *Rejection) Unwrap() error { return ErrRejected }

// Reject builds a Rejection with an optional formatted detail.
func Reject(reason Reason, format string, args ...interface{}) error {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection extracts the Rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Transient marks err as retryable while keeping it inspectable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Code maps an error to the wire-level code used by the protocol and HTTP
// layers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// Backoff configures Retry.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff returns 4 attempts starting at 50ms, capped at 1s.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 4, Initial: 50 * time.Millisecond, Max: time.Second}
}

// Retry runs fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done. Delays double after each attempt.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	delay := b.Initial

	var err error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == b.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("errs: retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return err
}
