package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"panosearch/internal/artifact"
	"panosearch/internal/config"
	"panosearch/internal/fsutil"
	"panosearch/internal/imageset"
	"panosearch/internal/logging"
	"panosearch/internal/oracle"
	"panosearch/internal/report"
	"panosearch/internal/search"
	"panosearch/internal/storage"
)

// runner implements Processor and turns jobs into searches.
type runner struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	engines engineSelector
	inspect func(path string) (artifact.Info, error)
	now     func() time.Time
}

// engineSelector picks the oracle for one search inside ws.
type engineSelector func(cfg *config.Oracle, ws *oracle.Workspace, logger *slog.Logger) (oracle.Oracle, error)

func selectEngine(cfg *config.Oracle, ws *oracle.Workspace, logger *slog.Logger) (oracle.Oracle, error) {
	return oracle.NewToolManager(cfg, logger).Select(ws)
}

func newRunner(cfg *config.Config, logger *slog.Logger, store *storage.Store) Processor {
	return &runner{
		cfg:     cfg,
		log:     logger,
		store:   store,
		engines: selectEngine,
		inspect: artifact.Inspect,
		now:     time.Now,
	}
}

func (r *runner) Process(ctx context.Context, job Job, progress func(Progress)) Result {
	switch job.Type {
	case JobSearch:
		return r.handleSearch(ctx, job, progress)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// loadSet reads the job's directory with the configured ordering key.
func (r *runner) loadSet(job Job) (*imageset.Set, string, error) {
	order := r.cfg.Input.Order
	if o, ok := job.Options["order"].(string); ok && o != "" {
		order = o
	}
	orderFn, err := imageset.OrderByName(order)
	if err != nil {
		return nil, order, err
	}
	recursive := r.cfg.Input.Recursive
	if rec, ok := job.Options["recursive"].(bool); ok {
		recursive = rec
	}
	set, err := imageset.Load(job.InputPath, imageset.LoadOptions{
		Extensions: r.cfg.Input.Extensions,
		Recursive:  recursive,
		Order:      orderFn,
	})
	return set, order, err
}

func (r *runner) handleScan(ctx context.Context, job Job) Result {
	set, order, err := r.loadSet(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	names := make([]string, 0, set.Len())
	for _, img := range set.Images() {
		names = append(names, img.Name())
	}
	return Result{Job: job, Meta: map[string]any{
		"images": names,
		"count":  set.Len(),
		"order":  order,
	}}
}

// searchOptions overlays per-job overrides on the configured search section.
func (r *runner) searchOptions(job Job) search.Options {
	sc := r.cfg.Search
	if v, ok := job.Options["maxAttempts"].(int); ok && v > 0 {
		sc.MaxAttempts = v
	}
	if v, ok := job.Options["targetFraction"].(float64); ok && v > 0 {
		sc.TargetFraction = v
	}
	if v, ok := job.Options["failureFraction"].(float64); ok && v > 0 {
		sc.FailureFraction = v
	}
	if v, ok := job.Options["parallelism"].(int); ok && v > 0 {
		sc.Parallelism = v
	}
	if v, ok := job.Options["seed"].(int64); ok && v != 0 {
		sc.Seed = v
	}
	if v, ok := job.Options["deadline"].(time.Duration); ok && v > 0 {
		sc.Deadline = config.Duration{Duration: v}
	}
	return search.OptionsFromConfig(sc)
}

func (r *runner) handleSearch(ctx context.Context, job Job, progress func(Progress)) Result {
	set, order, err := r.loadSet(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "load", "completed", map[string]any{
		"images": set.Len(),
		"order":  order,
	})

	oc := r.cfg.Oracle
	if engine, ok := job.Options["engine"].(string); ok && engine != "" {
		oc.Preferred = engine
		oc.Fallbacks = nil
	}
	if keep, ok := job.Options["keepWork"].(bool); ok {
		oc.KeepWork = keep
	}

	ws, err := oracle.NewWorkspace(fsutil.StagingRoot(set.Paths(), oc.WorkDir, r.log), oc.KeepWork)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer func() {
		if err := ws.Close(); err != nil {
			r.log.Warn("failed to remove workspace", "dir", ws.Root(), "error", err)
		}
	}()

	var engine oracle.Oracle
	engineName := ""
	if set.Len() > 0 {
		engine, err = r.engines(&oc, ws, r.log)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		engineName = engine.Name()
	}
	logging.LogProcessingStep(r.log, job.ID, "engine", "selected", map[string]any{
		"engine":    engineName,
		"workspace": ws.Root(),
	})

	opts := r.searchOptions(job)
	if progress != nil {
		total := set.Len()
		opts.Progress = func(attempt int, o search.ImageOutcome) {
			progress(Progress{JobID: job.ID, Attempt: attempt, Total: total, Outcome: o})
		}
	}

	res, runErr := search.New(engine, opts, r.log).Run(ctx, set)
	rep := report.Summarize(res)

	meta := map[string]any{
		"engine":  engineName,
		"percent": rep.Percent,
	}

	if res.Artifact != "" && !noPublish(job) {
		published, err := r.publish(job, res.Artifact, &rep)
		if err != nil {
			r.log.Error("failed to publish composite", "artifact", res.Artifact, "error", err)
			runErr = errors.Join(runErr, err)
		} else {
			res.Artifact = published.Composite
			if published.Report != "" {
				meta["report"] = published.Report
			}
		}
	}

	if err := r.store.RecordSearch(job.ID, job.InputPath, engineName, res, runErr); err != nil {
		r.log.Warn("failed to record search", "run_id", res.RunID, "error", err)
	}
	return Result{Job: job, Error: runErr, Meta: meta, Search: &res, Report: &rep}
}

func noPublish(job Job) bool {
	v, _ := job.Options["noPublish"].(bool)
	return v
}

// publish copies the composite out of the workspace before it is removed,
// then writes the report with the composite's dimensions next to it.
func (r *runner) publish(job Job, composite string, rep *report.Report) (artifact.Published, error) {
	dir := job.Output
	if dir == "" {
		dir = r.cfg.Paths.DefaultOutput
	}
	if dir == "" {
		dir = job.InputPath
	}

	published, err := artifact.Publish(composite, artifact.PublishOptions{
		Dir:    dir,
		Format: r.cfg.Paths.OutputFormat,
		Now:    r.now,
	})
	if err != nil {
		return published, err
	}
	logging.LogProcessingStep(r.log, job.ID, "publish", "completed", map[string]any{"composite": published.Composite})

	if info, err := r.inspect(published.Composite); err == nil {
		*rep = rep.WithComposite(info)
	} else {
		r.log.Debug("could not inspect composite", "path", published.Composite, "error", err)
		rep.Artifact = published.Composite
	}

	if r.cfg.Paths.WriteReport {
		published.Report = artifact.ReportPath(published.Composite)
		if err := artifact.WriteReport(published.Report, *rep); err != nil {
			return published, err
		}
	}
	return published, nil
}
