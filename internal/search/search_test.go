package search

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panosearch/internal/config"
	"panosearch/internal/imageset"
	"panosearch/internal/logging"
	"panosearch/internal/oracle"
	"panosearch/internal/oracle/oracletest"
)

var quiet = logging.New("error", "text")

// makeSet builds n images img00.jpg.. one second apart.
func makeSet(t *testing.T, n int) *imageset.Set {
	t.Helper()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	images := make([]imageset.Image, n)
	for i := range images {
		images[i] = imageset.Image{
			Path:    fmt.Sprintf("/photos/img%02d.jpg", i),
			Created: base.Add(time.Duration(i) * time.Second),
		}
	}
	set, err := imageset.New(images)
	require.NoError(t, err)
	return set
}

func name(i int) string { return fmt.Sprintf("img%02d.jpg", i) }

func seeded(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }

func newSearcher(o oracle.Oracle, opts Options) *Searcher {
	if opts.Rand == nil {
		opts.Rand = seeded(7)
	}
	return New(o, opts, quiet)
}

func TestScenarioAlwaysSucceedStopsAfterFirstAttempt(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.AlwaysSucceed()}
	res, err := newSearcher(stub, DefaultOptions()).Run(context.Background(), makeSet(t, 4))
	require.NoError(t, err)

	require.NotNil(t, res.Best)
	assert.Equal(t, 4, res.BestSize())
	assert.Len(t, res.Attempts, 1)
	assert.True(t, res.TargetReached)
	assert.Equal(t, 3, res.TargetCount)
	// three scan calls plus the composite build
	assert.Equal(t, 4, stub.Calls())
	assert.Equal(t, "/artifacts/best_attempt_1.jpg", res.Artifact)
	assert.NoError(t, res.ArtifactErr)
	assert.Len(t, stub.Discarded(), 3)
	assert.NotContains(t, stub.Discarded(), res.Artifact)
}

func TestScenarioRejectOneImage(t *testing.T) {
	set := makeSet(t, 10)
	b := &Builder{Oracle: &oracletest.Scripted{Decide: oracletest.RejectContaining(name(7))}, FailureFraction: 0.25, Logger: quiet}

	for start := 0; start < 10; start++ {
		r, err := b.RunAttempt(context.Background(), set, start, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(r.Accepted), 9)
		assert.LessOrEqual(t, r.Rejections(), 2)
		if start == 7 {
			// every tentative set holds the seed, so the budget runs out
			assert.Len(t, r.Accepted, 1)
			assert.Equal(t, 2, r.Rejections())
			assert.True(t, r.EarlyStopped)
			continue
		}
		assert.Len(t, r.Accepted, 9)
		assert.Equal(t, 1, r.Rejections())
		assert.False(t, r.EarlyStopped)
		for _, img := range r.Accepted {
			assert.NotEqual(t, name(7), img.Name())
		}
	}
}

func TestScenarioEmptyInput(t *testing.T) {
	stub := &oracletest.Scripted{}
	empty, err := imageset.New(nil)
	require.NoError(t, err)

	res, err := newSearcher(stub, DefaultOptions()).Run(context.Background(), empty)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Nil(t, res.Best)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, 0, stub.Calls())
}

func TestScenarioTargetReachedOnFirstAttempt(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(6)}
	opts := DefaultOptions()
	res, err := newSearcher(stub, opts).Run(context.Background(), makeSet(t, 8))
	require.NoError(t, err)

	assert.Equal(t, 6, res.TargetCount)
	assert.Equal(t, 6, res.BestSize())
	assert.True(t, res.TargetReached)
	assert.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].EarlyStopped)
}

func TestAttemptPropertiesHoldForEveryStart(t *testing.T) {
	// images 2 and 5 never stitch together, image 9 never stitches at all
	decide := func(images []string) oracle.Outcome {
		has := map[string]bool{}
		for _, p := range images {
			has[filepath.Base(p)] = true
		}
		if has[name(9)] || (has[name(2)] && has[name(5)]) {
			return oracle.Failed("incompatible", 0)
		}
		return oracle.Succeeded("", 0)
	}

	set := makeSet(t, 12)
	threshold := FailureThreshold(12, 0.25)
	for start := 0; start < set.Len(); start++ {
		stub := &oracletest.Scripted{Decide: decide}
		b := &Builder{Oracle: stub, FailureFraction: 0.25, Logger: quiet}
		r, err := b.RunAttempt(context.Background(), set, start, start+1)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, len(r.Accepted), 1)
		assert.LessOrEqual(t, len(r.Accepted), set.Len())
		assert.Equal(t, set.At(start), r.Accepted[0], "seed comes first")
		assert.LessOrEqual(t, r.Rejections(), threshold)

		// every call extends the accepted set of the previous step by one image
		size := 1
		for i, call := range stub.Recorded() {
			require.Len(t, call.Images, size+1, "call %d", i)
			assert.Equal(t, fmt.Sprintf("attempt%d_test_%d", start+1, i+1), call.Project)
			if r.Outcomes[i].Accepted {
				size++
			}
		}
		assert.Equal(t, size, len(r.Accepted))
		assert.Len(t, r.Outcomes, stub.Calls())
	}
}

func TestCandidateOrderIsWrapAround(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.AlwaysSucceed()}
	b := &Builder{Oracle: stub, FailureFraction: 0.25, Logger: quiet}
	r, err := b.RunAttempt(context.Background(), makeSet(t, 5), 3, 1)
	require.NoError(t, err)

	var order []int
	for _, o := range r.Outcomes {
		order = append(order, o.Index)
	}
	assert.Equal(t, []int{4, 0, 1, 2}, order)
	assert.Equal(t, []string{name(3), name(4), name(0), name(1), name(2)}, names(r.Accepted))
}

func TestErrorOutcomesCountAsRejectionsButStayDistinct(t *testing.T) {
	decide := func(images []string) oracle.Outcome {
		switch filepath.Base(images[len(images)-1]) {
		case name(2):
			return oracle.Errored(fmt.Errorf("%w after 1s", oracle.ErrOracleTimeout), time.Second)
		case name(4):
			return oracle.Failed("no control points", 0)
		}
		return oracle.Succeeded("", 0)
	}
	stub := &oracletest.Scripted{Decide: decide}
	b := &Builder{Oracle: stub, FailureFraction: 0.5, Logger: quiet}
	r, err := b.RunAttempt(context.Background(), makeSet(t, 8), 0, 1)
	require.NoError(t, err)

	kinds := map[int]oracle.Kind{}
	for _, o := range r.Outcomes {
		kinds[o.Index] = o.Kind
	}
	assert.Equal(t, oracle.Error, kinds[2])
	assert.Equal(t, oracle.Failure, kinds[4])
	assert.Equal(t, oracle.Success, kinds[3])
	assert.Equal(t, 2, r.Rejections())
	assert.Len(t, r.Accepted, 6)
	assert.Contains(t, r.Outcomes[1].Reason, "timeout")
}

func TestRejectionBudgetStopsScan(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(1)}
	b := &Builder{Oracle: stub, FailureFraction: 0.25, Logger: quiet}
	r, err := b.RunAttempt(context.Background(), makeSet(t, 10), 0, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, stub.Calls())
	assert.Len(t, r.Outcomes, 2)
	assert.True(t, r.EarlyStopped)
}

func TestSmallSetsStopAtFirstRejection(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(1)}
	b := &Builder{Oracle: stub, FailureFraction: 0.25, Logger: quiet}
	r, err := b.RunAttempt(context.Background(), makeSet(t, 3), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.Calls())
	assert.True(t, r.EarlyStopped)
}

func TestRunAttemptRejectsBadStart(t *testing.T) {
	b := &Builder{Oracle: &oracletest.Scripted{}, FailureFraction: 0.25, Logger: quiet}
	_, err := b.RunAttempt(context.Background(), makeSet(t, 3), 3, 1)
	assert.Error(t, err)
}

func TestCancellationBetweenOracleCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub := &oracletest.Scripted{
		Decide: oracletest.AlwaysSucceed(),
		Hook: func(call int, _ []string) {
			if call == 2 {
				cancel()
			}
		},
	}
	b := &Builder{Oracle: stub, FailureFraction: 0.25, Logger: quiet}
	r, err := b.RunAttempt(ctx, makeSet(t, 6), 0, 1)

	assert.ErrorIs(t, err, context.Canceled)
	// the in-flight call completes and is recorded, nothing after it runs
	assert.Equal(t, 2, stub.Calls())
	assert.Len(t, r.Outcomes, 2)
	assert.Len(t, r.Accepted, 3)
}

func TestSearchCancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub := &oracletest.Scripted{
		Decide: oracletest.MaxSize(2),
		Hook: func(call int, _ []string) {
			if call == 2 {
				cancel()
			}
		},
	}
	res, err := newSearcher(stub, DefaultOptions()).Run(ctx, makeSet(t, 10))

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res.Best)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 2, stub.Calls())
	assert.ErrorIs(t, res.ArtifactErr, ErrArtifactBuildFailed)
	assert.Empty(t, res.Artifact)
}

func TestSearchDeadline(t *testing.T) {
	stub := &oracletest.Scripted{
		Decide: oracletest.MaxSize(1),
		Hook:   func(int, []string) { time.Sleep(5 * time.Millisecond) },
	}
	opts := DefaultOptions()
	opts.Deadline = 20 * time.Millisecond
	res, err := newSearcher(stub, opts).Run(context.Background(), makeSet(t, 40))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, len(res.Attempts), opts.MaxAttempts)
}

func TestBestNeverRegressesAndStopsAtTarget(t *testing.T) {
	// accepted size depends on where an attempt starts
	decide := func(images []string) oracle.Outcome {
		seed := images[0]
		limit := 2
		if filepath.Base(seed) >= name(6) {
			limit = 8
		}
		if len(images) > limit {
			return oracle.Failed("too many", 0)
		}
		return oracle.Succeeded("", 0)
	}

	for seed := uint64(1); seed <= 20; seed++ {
		stub := &oracletest.Scripted{Decide: decide}
		opts := DefaultOptions()
		opts.Rand = seeded(seed)
		res, err := New(stub, opts, quiet).Run(context.Background(), makeSet(t, 10))
		if err != nil {
			assert.ErrorIs(t, err, ErrNoAcceptableSubset)
		}

		best := 0
		reachedAt := 0
		for i, a := range res.Attempts {
			assert.Equal(t, i+1, a.Attempt)
			if len(a.Accepted) > best {
				best = len(a.Accepted)
			}
			if best >= res.TargetCount && reachedAt == 0 {
				reachedAt = a.Attempt
			}
		}
		assert.Equal(t, best, res.BestSize(), "seed %d", seed)
		if reachedAt > 0 {
			assert.Len(t, res.Attempts, reachedAt, "no attempt after target, seed %d", seed)
			assert.True(t, res.TargetReached)
		} else {
			assert.Len(t, res.Attempts, opts.MaxAttempts)
			assert.False(t, res.TargetReached)
		}
	}
}

func TestFirstLargestAttemptIsKept(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(3)}
	opts := DefaultOptions()
	opts.MaxAttempts = 4
	opts.TargetFraction = 1
	res, err := newSearcher(stub, opts).Run(context.Background(), makeSet(t, 10))
	require.NoError(t, err)

	assert.Len(t, res.Attempts, 4)
	assert.Equal(t, 1, res.Best.Attempt)
	assert.Equal(t, "/artifacts/best_attempt_1.jpg", res.Artifact)
}

func TestNoAcceptableSubset(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(1)}
	res, err := newSearcher(stub, DefaultOptions()).Run(context.Background(), makeSet(t, 5))

	assert.ErrorIs(t, err, ErrNoAcceptableSubset)
	require.NotNil(t, res.Best)
	assert.Equal(t, 1, res.BestSize())
	assert.Len(t, res.Attempts, 10)
}

func TestTwoImagesThatDoNotStitchMissTheTarget(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(1)}
	res, err := newSearcher(stub, DefaultOptions()).Run(context.Background(), makeSet(t, 2))

	assert.ErrorIs(t, err, ErrNoAcceptableSubset)
	assert.Equal(t, 1, res.TargetCount)
	assert.False(t, res.TargetReached)
	assert.Equal(t, 1, res.BestSize())
}

func TestSingleImageIsNotAFailure(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.AlwaysSucceed()}
	res, err := newSearcher(stub, DefaultOptions()).Run(context.Background(), makeSet(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.BestSize())
	assert.Len(t, res.Attempts, 1)
}

func TestArtifactBuildFailureIsNotFatal(t *testing.T) {
	stub := &oracletest.Scripted{Script: []oracle.Outcome{
		oracle.Succeeded("", 0),
		oracle.Errored(fmt.Errorf("%w: crashed", oracle.ErrOracle), 0),
	}}
	res, err := newSearcher(stub, DefaultOptions()).Run(context.Background(), makeSet(t, 2))
	require.NoError(t, err)

	assert.Equal(t, 2, res.BestSize())
	assert.Empty(t, res.Artifact)
	assert.ErrorIs(t, res.ArtifactErr, ErrArtifactBuildFailed)
	assert.Equal(t, "best_attempt_1", stub.Recorded()[1].Project)
}

func TestParallelMatchesSequential(t *testing.T) {
	decide := func(images []string) oracle.Outcome {
		for _, p := range images {
			if filepath.Base(p) == name(3) && filepath.Base(images[0]) != name(3) {
				return oracle.Failed("", 0)
			}
		}
		return oracletest.MaxSize(5)(images)
	}
	set := makeSet(t, 12)

	run := func(parallelism int) Result {
		opts := DefaultOptions()
		opts.Parallelism = parallelism
		opts.Rand = seeded(42)
		res, err := New(&oracletest.Scripted{Decide: decide}, opts, quiet).Run(context.Background(), set)
		if err != nil {
			require.ErrorIs(t, err, ErrNoAcceptableSubset)
		}
		return res
	}

	seq, par := run(1), run(4)
	require.Equal(t, len(seq.Attempts), len(par.Attempts))
	for i := range seq.Attempts {
		assert.Equal(t, seq.Attempts[i].StartIndex, par.Attempts[i].StartIndex)
		assert.Equal(t, names(seq.Attempts[i].Accepted), names(par.Attempts[i].Accepted))
	}
	assert.Equal(t, seq.Best.Attempt, par.Best.Attempt)
	assert.Equal(t, seq.Artifact, par.Artifact)
}

func TestParallelStopsAfterTargetWave(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.AlwaysSucceed()}
	opts := DefaultOptions()
	opts.Parallelism = 3
	res, err := newSearcher(stub, opts).Run(context.Background(), makeSet(t, 4))
	require.NoError(t, err)

	// one wave of three attempts ran, only the first is folded
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 3*3+1, stub.Calls())
}

func TestProgressSeesEveryDecisionOfAWave(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.AlwaysSucceed()}
	var mu sync.Mutex
	perAttempt := map[int]int{}
	opts := DefaultOptions()
	opts.Parallelism = 3
	opts.Progress = func(attempt int, o ImageOutcome) {
		mu.Lock()
		defer mu.Unlock()
		assert.True(t, o.Accepted)
		perAttempt[attempt]++
	}

	res, err := newSearcher(stub, opts).Run(context.Background(), makeSet(t, 4))
	require.NoError(t, err)
	assert.True(t, res.TargetReached)

	// attempts 2 and 3 finish although attempt 1 already met the target
	assert.Equal(t, map[int]int{1: 3, 2: 3, 3: 3}, perAttempt)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Search
	cfg.Seed = 99
	cfg.Parallelism = 2
	a, b := OptionsFromConfig(cfg), OptionsFromConfig(cfg)
	require.NotNil(t, a.Rand)
	assert.Equal(t, a.Rand.IntN(1000), b.Rand.IntN(1000))
	assert.Equal(t, 2, a.Parallelism)
	assert.Equal(t, 10, a.MaxAttempts)

	cfg.Seed = 0
	assert.Nil(t, OptionsFromConfig(cfg).Rand)
}

func names(c CandidateSet) []string {
	out := make([]string, len(c))
	for i, img := range c {
		out[i] = img.Name()
	}
	return out
}
