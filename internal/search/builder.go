package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"panosearch/internal/imageset"
	"panosearch/internal/logging"
	"panosearch/internal/oracle"
)

// CandidateSet is a subsequence of an image set in acceptance order.
type CandidateSet []imageset.Image

// Paths returns the image paths in order.
func (c CandidateSet) Paths() []string {
	paths := make([]string, len(c))
	for i, img := range c {
		paths[i] = img.Path
	}
	return paths
}

// ImageOutcome is the decision taken for one candidate image.
type ImageOutcome struct {
	Index    int // position in the full set
	Image    imageset.Image
	Accepted bool
	Kind     oracle.Kind
	Reason   string
	Latency  time.Duration
}

// AttemptResult is the immutable record of one attempt.
type AttemptResult struct {
	Attempt    int
	StartIndex int
	Accepted   CandidateSet
	Outcomes   []ImageOutcome
	Elapsed    time.Duration
	// EarlyStopped is set when the failure budget ended the scan.
	EarlyStopped bool
}

// Rejections counts the rejected candidates.
func (r AttemptResult) Rejections() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Accepted {
			n++
		}
	}
	return n
}

// Builder grows one candidate set by asking the oracle about each image in turn.
type Builder struct {
	Oracle          oracle.Oracle
	FailureFraction float64
	Logger          *slog.Logger
	// Progress, when set, receives every decision as it is taken.
	Progress func(attempt int, o ImageOutcome)
}

// attemptState accumulates the scan of one attempt.
type attemptState struct {
	accepted  CandidateSet
	outcomes  []ImageOutcome
	failures  int
	threshold int
}

// apply folds one oracle answer into the state and reports whether the
// failure budget is exhausted.
func (st *attemptState) apply(index int, img imageset.Image, tentative CandidateSet, out oracle.Outcome) (ImageOutcome, bool) {
	rec := ImageOutcome{
		Index:    index,
		Image:    img,
		Accepted: out.OK(),
		Kind:     out.Kind,
		Reason:   out.Reason(),
		Latency:  out.Latency,
	}
	st.outcomes = append(st.outcomes, rec)
	if out.OK() {
		st.accepted = tentative
		return rec, false
	}
	st.failures++
	return rec, st.failures >= st.threshold
}

// RunAttempt seeds a candidate set with the image at start and offers every
// other image once, in wrap-around order. Error outcomes count as
// rejections. The context is checked between oracle calls; on cancellation
// the partial result is returned with the context error.
func (b *Builder) RunAttempt(ctx context.Context, set *imageset.Set, start, attempt int) (AttemptResult, error) {
	n := set.Len()
	if n == 0 {
		return AttemptResult{Attempt: attempt}, ErrEmptyInput
	}
	if start < 0 || start >= n {
		return AttemptResult{Attempt: attempt}, fmt.Errorf("start index %d out of range [0,%d)", start, n)
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	began := time.Now()
	st := attemptState{
		accepted:  CandidateSet{set.At(start)},
		threshold: FailureThreshold(n, b.FailureFraction),
	}
	result := func(early bool) AttemptResult {
		return AttemptResult{
			Attempt:      attempt,
			StartIndex:   start,
			Accepted:     st.accepted,
			Outcomes:     st.outcomes,
			Elapsed:      time.Since(began),
			EarlyStopped: early,
		}
	}
	logging.LogAttemptStart(logger, attempt, start, n, set.At(start).Name())

	early := false
	for idx := range Candidates(n, start) {
		if err := ctx.Err(); err != nil {
			r := result(false)
			logging.LogAttemptComplete(logger, attempt, len(r.Accepted), n, st.failures, false, r.Elapsed)
			return r, err
		}

		img := set.At(idx)
		tentative := append(slices.Clone(st.accepted), img)
		offset := (idx - start + n) % n
		out := b.Oracle.Attempt(ctx, tentative.Paths(), fmt.Sprintf("attempt%d_test_%d", attempt, offset))
		if out.OK() {
			if err := oracle.Discard(b.Oracle, out.Artifact); err != nil {
				logger.Debug("failed to discard tentative composite", "artifact", out.Artifact, "error", err)
			}
		}

		rec, stop := st.apply(idx, img, tentative, out)
		logging.LogImageOutcome(logger, attempt, idx, n, img.Path, rec.Accepted, rec.Kind.String(), rec.Latency)
		if b.Progress != nil {
			b.Progress(attempt, rec)
		}
		if !rec.Accepted && rec.Reason != "" {
			logger.Debug("rejection reason", "attempt", attempt, "image", img.Name(), "reason", rec.Reason)
		}
		if stop {
			logger.Info("failure budget reached, stopping attempt",
				"attempt", attempt,
				"rejections", st.failures,
				"threshold", st.threshold,
			)
			early = true
			break
		}
	}

	r := result(early)
	logging.LogAttemptComplete(logger, attempt, len(r.Accepted), n, st.failures, early, r.Elapsed)
	return r, nil
}
