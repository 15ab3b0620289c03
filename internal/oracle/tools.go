package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"panosearch/internal/config"
	"panosearch/internal/logging"
)

// Engine is an oracle whose executables may or may not be installed.
type Engine interface {
	Oracle
	Discarder
	Available() bool
}

// ToolStatus represents the availability of a stitching engine.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// ToolManager handles engine selection and fallbacks.
type ToolManager struct {
	cfg *config.Oracle
	log *slog.Logger
}

// NewToolManager creates a tool manager for the oracle configuration.
func NewToolManager(cfg *config.Oracle, logger *slog.Logger) *ToolManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolManager{cfg: cfg, log: logger}
}

// Candidates lists the preferred engine followed by its fallbacks, without repeats.
func (tm *ToolManager) Candidates() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range append([]string{tm.cfg.Preferred}, tm.cfg.Fallbacks...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// CheckTool verifies that an engine is installed and reports its version.
func (tm *ToolManager) CheckTool(name string) ToolStatus {
	var (
		binary      string
		versionArgs []string
	)
	switch name {
	case "ptgui":
		binary = tm.cfg.PTGui.Path
		versionArgs = []string{"-version"}
	case "hugin":
		for _, t := range huginTools {
			path := t
			if tm.cfg.Hugin.ToolsPath != "" {
				path = tm.cfg.Hugin.ToolsPath + "/" + t
			}
			if _, err := exec.LookPath(path); err != nil {
				return ToolStatus{Available: false, Error: fmt.Errorf("missing hugin tool: %s", t)}
			}
		}
		binary = "pto_gen"
		if tm.cfg.Hugin.ToolsPath != "" {
			binary = tm.cfg.Hugin.ToolsPath + "/pto_gen"
		}
		versionArgs = []string{"--help"}
	default:
		return ToolStatus{Available: false, Error: fmt.Errorf("unknown stitching engine %q", name)}
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, versionArgs...).CombinedOutput()
	if err != nil && len(output) == 0 {
		// Some tools return non-zero exit codes for version/help
		return ToolStatus{Available: true, Path: path}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus reports every configured engine.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, name := range tm.Candidates() {
		st := tm.CheckTool(name)
		logging.LogToolStatus(tm.log, name, st.Available, st.Version, st.Path, st.Error)
		status[name] = st
	}
	return status
}

// NewEngine builds the named engine on ws.
func NewEngine(name string, cfg *config.Oracle, ws *Workspace, logger *slog.Logger) (Engine, error) {
	switch name {
	case "ptgui":
		return NewPTGui(cfg.PTGui, cfg.Timeout.Duration, ws, logger), nil
	case "hugin":
		return NewHugin(cfg.Hugin, cfg.Timeout.Duration, ws, logger), nil
	default:
		return nil, fmt.Errorf("unknown stitching engine %q", name)
	}
}

// Select returns the first available engine among the preferred one and its fallbacks.
func (tm *ToolManager) Select(ws *Workspace) (Engine, error) {
	var tried []string
	for _, name := range tm.Candidates() {
		engine, err := NewEngine(name, tm.cfg, ws, tm.log)
		if err != nil {
			tm.log.Warn("skipping stitching engine", "engine", name, "error", err)
			continue
		}
		if engine.Available() {
			tm.log.Info("selected stitching engine", "engine", name)
			return engine, nil
		}
		tried = append(tried, name)
	}
	return nil, fmt.Errorf("no available stitching engine (tried %s)", strings.Join(tried, ", "))
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
