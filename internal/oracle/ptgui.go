package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"panosearch/internal/config"
	"panosearch/internal/fsutil"
)

// PTGui drives the PTGui command line: -createproject followed by -stitchnogui.
type PTGui struct {
	path       string
	indicators []string
	extraArgs  []string
	timeout    time.Duration
	ws         *Workspace
	log        *slog.Logger
	run        commandRunner
}

// NewPTGui configures a PTGui engine writing into ws.
func NewPTGui(cfg config.PTGuiConfig, timeout time.Duration, ws *Workspace, logger *slog.Logger) *PTGui {
	if logger == nil {
		logger = slog.Default()
	}
	return &PTGui{
		path:       cfg.Path,
		indicators: cfg.FailureIndicators,
		extraArgs:  cfg.ExtraArgs,
		timeout:    timeout,
		ws:         ws,
		log:        logger,
		run:        runCommand,
	}
}

func (p *PTGui) Name() string { return "ptgui" }

// Available reports whether the PTGui executable can be found.
func (p *PTGui) Available() bool {
	if p.path == "" {
		return false
	}
	if st, err := os.Stat(p.path); err == nil && !st.IsDir() {
		return true
	}
	_, err := exec.LookPath(p.path)
	return err == nil
}

// Discard removes the project directory of a composite that is not kept.
func (p *PTGui) Discard(artifact string) error { return p.ws.Release(artifact) }

// Attempt stages images, builds a project and stitches it.
func (p *PTGui) Attempt(parent context.Context, images []string, project string) Outcome {
	start := time.Now()
	if len(images) == 0 {
		return Errored(fmt.Errorf("%w: no images", ErrOracle), 0)
	}

	dir, err := p.ws.ProjectDir(project)
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
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.timeout)
	defer cancel()

	projectFile := filepath.Join(dir, filepath.Base(dir)+".pts")

	args := append([]string{"-createproject"}, staged...)
	args = append(args, "-output", projectFile)
	res := p.run(ctx, dir, p.path, args...)
	if out, done := contextOutcome(ctx, p.timeout, time.Since(start)); done {
		return out
	}
	if ind := matchIndicator(res.Output, p.indicators); ind != "" {
		return Failed(ind, time.Since(start))
	}
	if res.Err != nil {
		p.log.Debug("ptgui createproject failed", "project", project, "error", res.Err, "output", tail(res.Output, 400))
		return Errored(fmt.Errorf("%w: createproject: %v", ErrOracle, res.Err), time.Since(start))
	}

	args = append([]string{"-stitchnogui"}, p.extraArgs...)
	args = append(args, projectFile)
	res = p.run(ctx, dir, p.path, args...)
	if out, done := contextOutcome(ctx, p.timeout, time.Since(start)); done {
		return out
	}
	if ind := matchIndicator(res.Output, p.indicators); ind != "" {
		return Failed(ind, time.Since(start))
	}

	if artifact := findPTGuiOutput(dir, projectFile, staged); artifact != "" {
		return Succeeded(artifact, time.Since(start))
	}
	if res.Err != nil {
		p.log.Debug("ptgui stitch failed without known message", "project", project, "error", res.Err, "output", tail(res.Output, 400))
		return Errored(fmt.Errorf("%w: stitchnogui: %v", ErrOracle, res.Err), time.Since(start))
	}
	return Failed("no composite produced", time.Since(start))
}

// findPTGuiOutput looks for <project>*0000.jpg first, then for the largest
// jpeg in dir that is not one of the staged inputs.
func findPTGuiOutput(dir, projectFile string, staged []string) string {
	stem := strings.TrimSuffix(filepath.Base(projectFile), filepath.Ext(projectFile))
	if matches, _ := filepath.Glob(filepath.Join(dir, stem+"*0000.jpg")); len(matches) > 0 {
		if best, _ := fsutil.LargestFile(matches); best != "" {
			return best
		}
	}

	inputs := make(map[string]struct{}, len(staged))
	for _, s := range staged {
		inputs[s] = struct{}{}
	}
	var candidates []string
	for _, pattern := range []string{"*.jpg", "*.jpeg", "*.JPG", "*.JPEG"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		for _, m := range matches {
			if _, isInput := inputs[m]; !isInput {
				candidates = append(candidates, m)
			}
		}
	}
	best, _ := fsutil.LargestFile(candidates)
	return best
}
