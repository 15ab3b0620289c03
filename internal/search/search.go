// Package search finds the largest subset of an image set that the stitching
// oracle accepts, using greedy incremental attempts from random seeds.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"panosearch/internal/config"
	"panosearch/internal/imageset"
	"panosearch/internal/logging"
	"panosearch/internal/oracle"
)

var (
	// ErrEmptyInput is returned before any attempt when there are no images.
	ErrEmptyInput = errors.New("no images to search")
	// ErrArtifactBuildFailed marks a failed composite build for the best subset.
	// The subset itself is still reported.
	ErrArtifactBuildFailed = errors.New("composite build for best subset failed")
	// ErrNoAcceptableSubset is returned when no attempt accepted anything
	// beyond its seed image.
	ErrNoAcceptableSubset = errors.New("no attempt accepted more than its seed image")
)

// Options control a search.
type Options struct {
	MaxAttempts     int
	TargetFraction  float64
	FailureFraction float64
	// Parallelism is the number of attempts run at once; 1 is sequential.
	// Attempts run in waves: when one attempt reaches the target, the rest
	// of its wave has already started and still costs oracle calls, although
	// their results are ignored.
	Parallelism int
	// Deadline bounds the whole search; zero means none.
	Deadline time.Duration
	// Rand draws start indices. nil seeds from the clock.
	Rand *rand.Rand
	// Progress receives every image decision. It is called concurrently
	// when Parallelism > 1.
	Progress func(attempt int, o ImageOutcome)
}

// DefaultOptions returns 10 attempts, a 75% target and a 25% failure budget.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     10,
		TargetFraction:  0.75,
		FailureFraction: 0.25,
		Parallelism:     1,
	}
}

// OptionsFromConfig converts the search section of the configuration.
func OptionsFromConfig(cfg config.Search) Options {
	opts := Options{
		MaxAttempts:     cfg.MaxAttempts,
		TargetFraction:  cfg.TargetFraction,
		FailureFraction: cfg.FailureFraction,
		Parallelism:     cfg.Parallelism,
		Deadline:        cfg.Deadline.Duration,
	}
	if cfg.Seed != 0 {
		opts.Rand = rand.New(rand.NewPCG(uint64(cfg.Seed), 0))
	}
	return opts
}

// Result is the outcome of one search.
type Result struct {
	RunID string
	// Best is nil only when no attempt ran.
	Best     *AttemptResult
	Attempts []AttemptResult
	// Artifact is the composite of Best, empty when its build failed.
	Artifact      string
	ArtifactErr   error
	Total         int
	TargetCount   int
	TargetReached bool
	Elapsed       time.Duration
}

// BestSize returns the size of the best accepted set.
func (r Result) BestSize() int {
	if r.Best == nil {
		return 0
	}
	return len(r.Best.Accepted)
}

// Searcher runs multi-attempt searches against one oracle.
type Searcher struct {
	oracle oracle.Oracle
	opts   Options
	log    *slog.Logger
}

// New creates a searcher. Zero option fields take their defaults.
func New(o oracle.Oracle, opts Options, logger *slog.Logger) *Searcher {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.TargetFraction <= 0 {
		opts.TargetFraction = def.TargetFraction
	}
	if opts.FailureFraction <= 0 {
		opts.FailureFraction = def.FailureFraction
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{oracle: o, opts: opts, log: logger}
}

// accumulator carries the best attempt across the fold.
type accumulator struct {
	target   int
	best     *AttemptResult
	attempts []AttemptResult
}

// fold records r and reports whether it is strictly larger than the best so far.
func (a *accumulator) fold(r AttemptResult) bool {
	a.attempts = append(a.attempts, r)
	if a.best == nil || len(r.Accepted) > len(a.best.Accepted) {
		best := r
		a.best = &best
		return true
	}
	return false
}

func (a *accumulator) reached() bool {
	return a.best != nil && len(a.best.Accepted) >= a.target
}

// Run searches set. Start indices are drawn up front, one per attempt, and
// attempts are folded in attempt order whether they ran sequentially or in
// parallel waves. The search stops once the best set reaches the target.
func (s *Searcher) Run(ctx context.Context, set *imageset.Set) (Result, error) {
	began := time.Now()
	n := set.Len()
	res := Result{RunID: uuid.NewString(), Total: n}
	if n == 0 {
		logging.LogSearchComplete(s.log, res.RunID, 0, 0, "", 0, ErrEmptyInput)
		return res, ErrEmptyInput
	}
	if s.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
		defer cancel()
	}

	res.TargetCount = TargetCount(n, s.opts.TargetFraction)
	starts := make([]int, s.opts.MaxAttempts)
	for i := range starts {
		starts[i] = s.opts.Rand.IntN(n)
	}
	logging.LogSearchStart(s.log, res.RunID, n, res.TargetCount, s.opts.MaxAttempts, map[string]any{
		"oracle":           s.oracle.Name(),
		"failure_fraction": s.opts.FailureFraction,
		"failure_budget":   FailureThreshold(n, s.opts.FailureFraction),
		"parallelism":      s.opts.Parallelism,
	})

	builder := &Builder{Oracle: s.oracle, FailureFraction: s.opts.FailureFraction, Logger: s.log, Progress: s.opts.Progress}
	acc := accumulator{target: res.TargetCount}
	var runErr error

waves:
	for first := 0; first < len(starts) && !acc.reached(); first += s.opts.Parallelism {
		last := min(first+s.opts.Parallelism, len(starts))
		results, errs := s.runWave(ctx, builder, set, starts[first:last], first)
		for i, r := range results {
			if acc.fold(r) {
				s.log.Info("new best subset", "attempt", r.Attempt, "size", len(r.Accepted), "total", n)
				s.buildBest(ctx, &res, acc.best)
			}
			if errs[i] != nil {
				runErr = errs[i]
				break waves
			}
			if acc.reached() {
				res.TargetReached = true
				s.log.Info("target reached", "attempt", r.Attempt, "size", len(r.Accepted), "target", res.TargetCount)
				break waves
			}
		}
	}

	res.Best = acc.best
	res.Attempts = acc.attempts
	res.Elapsed = time.Since(began)
	if runErr == nil && n > 1 && res.BestSize() <= 1 {
		// a lone seed meets the target of a two-image set but stitches nothing
		runErr = ErrNoAcceptableSubset
		res.TargetReached = false
	}
	logging.LogSearchComplete(s.log, res.RunID, res.BestSize(), n, res.Artifact, res.Elapsed, runErr)
	return res, runErr
}

// runWave runs one attempt per start index concurrently and returns the
// results in attempt order. first is the zero-based number of the first attempt.
func (s *Searcher) runWave(ctx context.Context, b *Builder, set *imageset.Set, starts []int, first int) ([]AttemptResult, []error) {
	results := make([]AttemptResult, len(starts))
	errs := make([]error, len(starts))

	var g errgroup.Group
	g.SetLimit(len(starts))
	for i, start := range starts {
		g.Go(func() error {
			results[i], errs[i] = b.RunAttempt(ctx, set, start, first+i+1)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// buildBest asks the oracle once more for a composite of best. A failed
// build leaves the artifact empty and records ErrArtifactBuildFailed.
func (s *Searcher) buildBest(ctx context.Context, res *Result, best *AttemptResult) {
	if res.Artifact != "" {
		if err := oracle.Discard(s.oracle, res.Artifact); err != nil {
			s.log.Debug("failed to discard previous best composite", "artifact", res.Artifact, "error", err)
		}
	}
	res.Artifact = ""
	res.ArtifactErr = nil

	if err := ctx.Err(); err != nil {
		res.ArtifactErr = fmt.Errorf("%w: %w", ErrArtifactBuildFailed, err)
		return
	}
	project := fmt.Sprintf("best_attempt_%d", best.Attempt)
	out := s.oracle.Attempt(ctx, best.Accepted.Paths(), project)
	if !out.OK() {
		res.ArtifactErr = fmt.Errorf("%w: %s: %s", ErrArtifactBuildFailed, out.Kind, out.Reason())
		s.log.Warn("composite build for best subset failed",
			"attempt", best.Attempt,
			"size", len(best.Accepted),
			"outcome", out.Kind.String(),
			"reason", out.Reason(),
		)
		return
	}
	res.Artifact = out.Artifact
	s.log.Info("composite built for best subset", "attempt", best.Attempt, "artifact", out.Artifact, "latency", out.Latency.String())
}
