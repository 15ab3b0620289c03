// Package oracletest provides a deterministic oracle for tests.
package oracletest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"panosearch/internal/oracle"
)

// Call records one Attempt invocation.
type Call struct {
	Project string
	Images  []string
}

// Scripted answers Attempt either from a fixed sequence of outcomes or from
// a predicate over the requested images. It is safe for concurrent use.
type Scripted struct {
	// Decide returns the outcome for a call when Script is exhausted or empty.
	Decide func(images []string) oracle.Outcome
	// Script is consumed in call order before Decide is consulted.
	Script []oracle.Outcome
	// Latency is reported on outcomes that carry none.
	Latency time.Duration
	// Hook runs before every call, e.g. to cancel a context mid-scan.
	Hook func(call int, images []string)

	mu        sync.Mutex
	calls     []Call
	discarded []string
}

// Name identifies the stub in logs.
func (s *Scripted) Name() string { return "scripted" }

// Attempt records the call and returns the scripted outcome.
func (s *Scripted) Attempt(ctx context.Context, images []string, project string) oracle.Outcome {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, Call{Project: project, Images: slices.Clone(images)})
	var out oracle.Outcome
	scripted := n < len(s.Script)
	if scripted {
		out = s.Script[n]
	}
	s.mu.Unlock()

	if s.Hook != nil {
		s.Hook(n+1, images)
	}
	if !scripted {
		if s.Decide == nil {
			out = oracle.Succeeded("", 0)
		} else {
			out = s.Decide(images)
		}
	}
	if out.OK() && out.Artifact == "" {
		out.Artifact = fmt.Sprintf("/artifacts/%s.jpg", project)
	}
	if out.Latency == 0 {
		out.Latency = s.Latency
	}
	return out
}

// Discard records released artifacts.
func (s *Scripted) Discard(artifact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, artifact)
	return nil
}

// Calls returns the number of Attempt invocations.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Recorded returns a copy of every call made so far.
func (s *Scripted) Recorded() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Discarded returns the artifacts released so far.
func (s *Scripted) Discarded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.discarded)
}

// AlwaysSucceed accepts every set.
func AlwaysSucceed() func([]string) oracle.Outcome {
	return func([]string) oracle.Outcome { return oracle.Succeeded("", 0) }
}

// RejectContaining fails any set that includes an image with one of the
// given base names.
func RejectContaining(names ...string) func([]string) oracle.Outcome {
	return func(images []string) oracle.Outcome {
		for _, img := range images {
			if slices.Contains(names, filepath.Base(img)) {
				return oracle.Failed("no control points", 0)
			}
		}
		return oracle.Succeeded("", 0)
	}
}

// ErrorContaining returns an Error outcome for any set that includes one of
// the given base names.
func ErrorContaining(names ...string) func([]string) oracle.Outcome {
	return func(images []string) oracle.Outcome {
		for _, img := range images {
			if slices.Contains(names, filepath.Base(img)) {
				return oracle.Errored(errors.New("engine crashed"), 0)
			}
		}
		return oracle.Succeeded("", 0)
	}
}

// MaxSize accepts sets of at most n images.
func MaxSize(n int) func([]string) oracle.Outcome {
	return func(images []string) oracle.Outcome {
		if len(images) > n {
			return oracle.Failed("too many images", 0)
		}
		return oracle.Succeeded("", 0)
	}
}
