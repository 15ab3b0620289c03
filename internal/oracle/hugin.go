package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"panosearch/internal/config"
	"panosearch/internal/fsutil"
)

// huginTools are the executables the Hugin chain needs.
var huginTools = []string{"pto_gen", "cpfind", "cpclean", "linefind", "autooptimiser", "pano_modify", "hugin_executor", "nona", "enblend"}

// Hugin drives the Hugin command line tool chain.
type Hugin struct {
	toolsPath  string
	projection string
	aggression string
	timeout    time.Duration
	ws         *Workspace
	log        *slog.Logger
	run        commandRunner
}

// NewHugin configures a Hugin engine writing into ws.
func NewHugin(cfg config.HuginConfig, timeout time.Duration, ws *Workspace, logger *slog.Logger) *Hugin {
	if logger == nil {
		logger = slog.Default()
	}
	projection := cfg.Projection
	if projection == "" {
		projection = "cylindrical"
	}
	aggression := cfg.Aggression
	if aggression == "" {
		aggression = "moderate"
	}
	return &Hugin{
		toolsPath:  cfg.ToolsPath,
		projection: projection,
		aggression: aggression,
		timeout:    timeout,
		ws:         ws,
		log:        logger,
		run:        runCommand,
	}
}

func (h *Hugin) Name() string { return "hugin" }

func (h *Hugin) tool(name string) string {
	if h.toolsPath == "" {
		return name
	}
	return filepath.Join(h.toolsPath, name)
}

// Available reports whether every Hugin tool can be found.
func (h *Hugin) Available() bool {
	for _, t := range huginTools {
		if _, err := exec.LookPath(h.tool(t)); err != nil {
			return false
		}
	}
	return true
}

// Discard removes the project directory of a composite that is not kept.
func (h *Hugin) Discard(artifact string) error { return h.ws.Release(artifact) }

// Attempt runs pto_gen, cpfind, cpclean, linefind, autooptimiser and
// pano_modify, then renders with hugin_executor or nona+enblend. Images that
// end up without control points to the rest of the set are a stitch failure.
func (h *Hugin) Attempt(parent context.Context, images []string, project string) Outcome {
	start := time.Now()
	if len(images) == 0 {
		return Errored(fmt.Errorf("%w: no images", ErrOracle), 0)
	}

	dir, err := h.ws.ProjectDir(project)
	if err != nil {
		return Errored(fmt.Errorf("%w: %v", ErrOracle, err), time.Since(start))
	}
	staged, err := stageImages(images, dir)
	if err != nil {
		return Errored(fmt.Errorf("%w: %v", ErrOracle, err), time.Since(start))
	}
	defer removeAll(staged)

	// a call in flight runs to its outcome or timeout; the caller stops
	// between calls
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.timeout)
	defer cancel()

	elapsed := func() time.Duration { return time.Since(start) }
	aborted := func() (Outcome, bool) { return contextOutcome(ctx, h.timeout, elapsed()) }

	// Step 1: project file
	ptoFile := filepath.Join(dir, "project.pto")
	res := h.run(ctx, dir, h.tool("pto_gen"), append([]string{"-o", ptoFile}, staged...)...)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		return Errored(fmt.Errorf("%w: pto_gen: %v", ErrOracle, res.Err), elapsed())
	}

	// Step 2: control points
	cpFile := filepath.Join(dir, "project_cp.pto")
	res = h.run(ctx, dir, h.tool("cpfind"), "--multirow", "-o", cpFile, ptoFile)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		h.log.Debug("cpfind failed", "project", project, "error", res.Err, "output", tail(res.Output, 400))
		return Failed("cpfind could not find control points", elapsed())
	}
	h.log.Debug("control points found", "project", project, "count", countControlPoints(cpFile))
	if len(images) > 1 {
		if missing := unconnectedImages(cpFile); len(missing) > 0 {
			return Failed(fmt.Sprintf("no control points for image(s) %v", missing), elapsed())
		}
	}

	// Step 3: clean control points; fall back to the uncleaned project
	cleanedFile := filepath.Join(dir, "project_cleaned.pto")
	res = h.run(ctx, dir, h.tool("cpclean"), "--max-distance", cleanDistance(h.aggression), "-o", cleanedFile, cpFile)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		h.log.Debug("cpclean failed, using uncleaned control points", "error", res.Err)
		cleanedFile = cpFile
	} else if len(images) > 1 {
		if missing := unconnectedImages(cleanedFile); len(missing) > 0 {
			return Failed(fmt.Sprintf("control points for image(s) %v removed as outliers", missing), elapsed())
		}
	}

	// Step 4: vertical lines
	lineFile := filepath.Join(dir, "project_lines.pto")
	res = h.run(ctx, dir, h.tool("linefind"), "-o", lineFile, cleanedFile)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		lineFile = cleanedFile
	}

	// Step 5: optimise geometry and photometrics, then positions only
	optimized := filepath.Join(dir, "optimized.pto")
	res = h.run(ctx, dir, h.tool("autooptimiser"), "-a", "-m", "-l", "-s", "-o", optimized, lineFile)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		h.log.Debug("full autooptimiser failed, trying position-only optimization", "error", res.Err)
		res = h.run(ctx, dir, h.tool("autooptimiser"), "-a", "-s", "-o", optimized, lineFile)
		if out, done := aborted(); done {
			return out
		}
		if res.Err != nil {
			return Failed("optimization failed", elapsed())
		}
	}

	if err := updatePTOProjection(optimized, h.projection); err != nil {
		h.log.Debug("failed to update projection, using default", "error", err)
	}

	// Step 6: canvas and crop
	finalPto := filepath.Join(dir, "final.pto")
	res = h.run(ctx, dir, h.tool("pano_modify"), "--canvas=AUTO", "--crop=AUTO", "-o", finalPto, optimized)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		finalPto = optimized
	}

	// Step 7: render
	prefix := filepath.Join(dir, "executor")
	res = h.run(ctx, dir, h.tool("hugin_executor"), "--stitching", "--prefix="+prefix, finalPto)
	if out, done := aborted(); done {
		return out
	}
	if res.Err == nil {
		if artifact := firstMatch(prefix+"*.tif", prefix+"*.jpg"); artifact != "" {
			return Succeeded(artifact, elapsed())
		}
	}
	h.log.Debug("hugin_executor produced nothing, falling back to nona+enblend", "error", res.Err)

	remapPrefix := filepath.Join(dir, "remap")
	res = h.run(ctx, dir, h.tool("nona"), "-o", remapPrefix, "-m", "TIFF_m", finalPto)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		return Errored(fmt.Errorf("%w: nona: %v", ErrOracle, res.Err), elapsed())
	}
	remapped, _ := filepath.Glob(remapPrefix + "*.tif")
	if len(remapped) == 0 {
		return Errored(fmt.Errorf("%w: nona produced no images", ErrOracle), elapsed())
	}

	output := filepath.Join(dir, "panorama.tif")
	res = h.run(ctx, dir, h.tool("enblend"), append([]string{"-o", output, "--levels=29"}, remapped...)...)
	if out, done := aborted(); done {
		return out
	}
	if res.Err != nil {
		return Errored(fmt.Errorf("%w: enblend: %v", ErrOracle, res.Err), elapsed())
	}
	if p, _ := fsutil.LargestFile([]string{output}); p == "" {
		return Failed("enblend wrote no composite", elapsed())
	}
	return Succeeded(output, elapsed())
}

func cleanDistance(aggression string) string {
	switch aggression {
	case "low":
		return "4"
	case "high":
		return "2"
	default:
		return "3"
	}
}

func firstMatch(patterns ...string) string {
	for _, p := range patterns {
		matches, _ := filepath.Glob(p)
		if best, _ := fsutil.LargestFile(matches); best != "" {
			return best
		}
	}
	return ""
}
