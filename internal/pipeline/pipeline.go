package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"log/slog"

	"panosearch/internal/config"
	"panosearch/internal/logging"
	"panosearch/internal/report"
	"panosearch/internal/search"
	"panosearch/internal/storage"
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// buffer is exhausted.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported job categories.
type JobType string

const (
	// JobSearch runs the full panorama-set search on a directory.
	JobSearch JobType = "search"
	// JobScan only loads and orders the images of a directory.
	JobScan JobType = "scan"
)

// Job represents a single request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
	// Search and Report are set for search jobs, even when Error is set.
	Search *search.Result
	Report *report.Report
}

// Progress is one oracle decision taken while a search job runs. Total is
// the number of images in the searched directory.
type Progress struct {
	JobID   string
	Attempt int
	Total   int
	Outcome search.ImageOutcome
}

// Processor executes a job and returns a Result. progress may be called
// from several goroutines while Process runs.
type Processor interface {
	Process(ctx context.Context, job Job, progress func(Progress)) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	results   *hub[Result]
	progress  *hub[Progress]
}

// New creates a new Pipeline with the given concurrency that runs searches
// configured by cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	return start(ctx, concurrency, logger, store, newRunner(cfg, logger, store))
}

func start(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:      logger,
		jobs:     make(chan Job, concurrency*2),
		cancel:   cancel,
		store:    store,
		results:  newHub[Result](8, logger, "result", false),
		progress: newHub[Progress](64, logger, "progress", true),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. A job that does not fit is
// recorded as failed.
func (p *Pipeline) Submit(job Job) error {
	optsJSON, _ := json.Marshal(job.Options)
	_ = p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(optsJSON),
	})

	select {
	case p.jobs <- job:
		return nil
	default:
		_ = p.store.RecordJobResult(job.ID, "failed", nil, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.results.close()
		p.progress.close()
	})
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.results.subscribe()
}

// SubscribeProgress returns a channel receiving every oracle decision of
// running search jobs. Events are dropped for a subscriber that falls behind.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	return p.progress.subscribe()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.results.publish(p.run(ctx, id, job))
		}
	}
}

// run takes one job through its lifecycle: start, process, record.
func (p *Pipeline) run(ctx context.Context, worker int, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	_ = p.store.RecordJobStart(job.ID)

	res := p.processor.Process(ctx, job, p.progress.publish)
	res.Job = job
	duration := time.Since(start)
	summary := jobSummary(res)

	status := jobStatus(res)
	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
			"worker": worker,
			"status": status,
			"run_id": summary["run_id"],
			"best":   summary["best"],
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, summary)
	}
	if err := p.store.RecordJobResult(job.ID, status, summary, errString(res.Error)); err != nil {
		p.log.Warn("failed to record job result", "job", job.ID, "error", err)
	}
	return res
}

// jobStatus is "incomplete" for a failed search that still kept a best set.
func jobStatus(res Result) string {
	switch {
	case res.Error == nil:
		return "completed"
	case res.Search != nil && res.Search.BestSize() > 1:
		return "incomplete"
	default:
		return "failed"
	}
}

// jobSummary is the metadata stored with a job: the processor's Meta plus
// the headline numbers of its search.
func jobSummary(res Result) map[string]any {
	meta := maps.Clone(res.Meta)
	if meta == nil {
		meta = map[string]any{}
	}
	s := res.Search
	if s == nil {
		return meta
	}
	meta["run_id"] = s.RunID
	meta["best"] = s.BestSize()
	meta["total"] = s.Total
	meta["target"] = s.TargetCount
	meta["target_reached"] = s.TargetReached
	meta["attempts"] = len(s.Attempts)
	if s.Best != nil {
		meta["best_attempt"] = s.Best.Attempt
	}
	if s.Artifact != "" {
		meta["artifact"] = s.Artifact
	}
	if s.ArtifactErr != nil {
		meta["artifact_error"] = s.ArtifactErr.Error()
	}
	return meta
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// hub fans values out to subscribers without blocking the publisher.
// A lossy hub drops values for slow subscribers quietly.
type hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	size   int
	closed bool
	lossy  bool
	log    *slog.Logger
	kind   string
}

func newHub[T any](size int, logger *slog.Logger, kind string, lossy bool) *hub[T] {
	return &hub[T]{subs: make(map[int]chan T), size: size, log: logger, kind: kind, lossy: lossy}
}

func (h *hub[T]) subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan T, h.size)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			level := slog.LevelWarn
			if h.lossy {
				level = slog.LevelDebug
			}
			h.log.Log(context.Background(), level, h.kind+" channel full", "subscriber", id)
		}
	}
}

func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
