// Package oracle wraps external panorama engines behind a single
// success/failure/error capability.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOracle marks an engine malfunction: a crash, a missing tool, or a
	// nonzero exit without a recognised failure message.
	ErrOracle = errors.New("stitch oracle error")
	// ErrOracleTimeout marks a call that exceeded its time budget.
	ErrOracleTimeout = fmt.Errorf("%w: timeout", ErrOracle)
	// ErrStitchFailed marks a legitimate rejection by the engine.
	ErrStitchFailed = errors.New("images could not be stitched")
)

// Kind is the tri-state result of a stitch attempt.
type Kind int

const (
	Success Kind = iota
	Failure
	Error
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is produced fresh for every call.
type Outcome struct {
	Kind     Kind
	Artifact string // composite path, Success only
	Err      error  // reason for Failure and Error
	Latency  time.Duration
}

// OK reports whether the attempt produced a composite.
func (o Outcome) OK() bool { return o.Kind == Success }

// Reason returns a printable reason, empty on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Succeeded builds a Success outcome.
func Succeeded(artifact string, latency time.Duration) Outcome {
	return Outcome{Kind: Success, Artifact: artifact, Latency: latency}
}

// Failed builds a Failure outcome; reason may be empty.
func Failed(reason string, latency time.Duration) Outcome {
	err := ErrStitchFailed
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrStitchFailed, reason)
	}
	return Outcome{Kind: Failure, Err: err, Latency: latency}
}

// Errored builds an Error outcome. err should wrap ErrOracle.
func Errored(err error, latency time.Duration) Outcome {
	if !errors.Is(err, ErrOracle) {
		err = fmt.Errorf("%w: %v", ErrOracle, err)
	}
	return Outcome{Kind: Error, Err: err, Latency: latency}
}

// Oracle attempts to merge an ordered list of images into one composite.
// Implementations must not modify images and must return within their
// configured timeout, reporting an Error outcome when it expires.
type Oracle interface {
	Name() string
	Attempt(ctx context.Context, images []string, project string) Outcome
}

// Discarder is implemented by oracles whose artifacts occupy disk until
// released. Callers discard artifacts they do not keep.
type Discarder interface {
	Discard(artifact string) error
}

// Discard releases artifact when o supports it.
func Discard(o Oracle, artifact string) error {
	if artifact == "" {
		return nil
	}
	if d, ok := o.(Discarder); ok {
		return d.Discard(artifact)
	}
	return nil
}

// contextOutcome maps an expired per-call context to an Error outcome.
// The call context is detached from the caller's cancellation, so only
// the oracle timeout ends a call early.
func contextOutcome(ctx context.Context, timeout time.Duration, latency time.Duration) (Outcome, bool) {
	if ctx.Err() == nil {
		return Outcome{}, false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Errored(fmt.Errorf("%w after %s", ErrOracleTimeout, timeout), latency), true
	}
	return Errored(fmt.Errorf("%w: %v", ErrOracle, ctx.Err()), latency), true
}
