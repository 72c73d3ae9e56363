// Package extractor defines the content extraction collaborator and the
// classification of its failures.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"extractd/internal/job"
)

// Result is what a successful extraction produced.
type Result struct {
	Items   int
	Sources int
}

// Extractor gathers content for a topic.
//
// Implementations must honor ctx: the deadline is the job timeout. progress
// may be called any number of times with the number of sources processed so
// far.
type Extractor interface {
	Extract(ctx context.Context, topic string, progress func(n int)) (Result, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, topic string, progress func(n int)) (Result, error)

func (f Func) Extract(ctx context.Context, topic string, progress func(n int)) (Result, error) {
	return f(ctx, topic, progress)
}

// Error kinds.
const (
	KindRateLimit    = "rate_limit"
	KindNetwork      = "network"
	KindTimeout      = "timeout"
	KindNoResults    = "no_results"
	KindInvalidInput = "invalid_input"
	KindUnknown      = "unknown"
)

// Error is a classified extraction failure.
type Error struct {
	Kind      string
	Retryable bool
	// RetryAfter is an optional delay hint before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as a failure worth retrying automatically.
//
//	return extractor.Transient(extractor.KindRateLimit, fmt.Errorf("upstream 429: %w", err))
func Transient(kind string, err error) error {
	return &Error{Kind: kind, Retryable: true, Err: err}
}

// TransientAfter is Transient with a retry delay hint (e.g. from Retry-After).
func TransientAfter(kind string, after time.Duration, err error) error {
	if after < 0 {
		after = 0
	}
	return &Error{Kind: kind, Retryable: true, RetryAfter: after, Err: err}
}

// Permanent marks err as a failure that retrying will not fix.
func Permanent(kind string, err error) error {
	return &Error{Kind: kind, Err: err}
}

// ErrNoResults is returned by extractors that found nothing for a topic.
var ErrNoResults = Permanent(KindNoResults, errors.New("no content found"))

// Classify maps an extraction error to the stored job error.
// deadlinePassed is true when the attempt ran past its deadline, whatever the
// extractor returned.
func Classify(err error, deadlinePassed bool) job.Error {
	if deadlinePassed || errors.Is(err, context.DeadlineExceeded) {
		msg := "extraction exceeded its deadline"
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			msg += ": " + err.Error()
		}
		return job.Error{Kind: KindTimeout, Message: msg, Retryable: true}
	}
	if err == nil {
		return job.Error{Kind: KindUnknown, Message: "unknown error"}
	}

	var xe *Error
	if errors.As(err, &xe) {
		msg := xe.Error()
		if xe.Err != nil {
			msg = xe.Err.Error()
		}
		return job.Error{Kind: xe.Kind, Message: msg, Retryable: xe.Retryable}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return job.Error{Kind: KindNetwork, Message: err.Error(), Retryable: true}
	}
	return job.Error{Kind: KindUnknown, Message: err.Error()}
}

// RetryAfter returns the delay hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var xe *Error
	if errors.As(err, &xe) && xe.RetryAfter > 0 {
		return xe.RetryAfter, true
	}
	return 0, false
}
