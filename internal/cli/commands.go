package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"panosearch/internal/pipeline"
)

func (r *Root) printRuns(w io.Writer, limit int) error {
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No searches recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tENGINE\tBEST\tATTEMPTS\tDURATION\tSTATUS\tINPUT")
	for _, run := range runs {
		status := "ok"
		switch {
		case run.Error != "":
			status = "error"
		case run.TargetReached:
			status = "target"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\n",
			shortID(run.ID),
			humanize.Time(run.StartedAt),
			orDash(run.Engine),
			run.Best, run.Total,
			run.Attempts,
			run.Duration.Round(100*time.Millisecond),
			status,
			run.InputPath,
		)
	}
	return tw.Flush()
}

func (r *Root) printRun(w io.Writer, runID string) error {
	outcomes, err := r.store.RunOutcomes(runID)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return fmt.Errorf("no recorded decisions for run %s", runID)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPT\tINDEX\tIMAGE\tDECISION\tLATENCY\tREASON")
	for _, o := range outcomes {
		decision := "accepted"
		if !o.Accepted {
			decision = "rejected (" + o.Kind + ")"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", o.Attempt, o.Index, o.Path, decision, o.Latency, o.Reason)
	}
	return tw.Flush()
}

func (r *Root) printImageHistory(w io.Writer, path string) error {
	accepted, rejected, err := r.store.ImageAcceptance(path)
	if err != nil {
		return err
	}
	total := accepted + rejected
	if total == 0 {
		fmt.Fprintf(w, "%s has not been tried yet\n", path)
		return nil
	}
	fmt.Fprintf(w, "%s: accepted %s of %s times (%.0f%%)\n",
		path, humanize.Comma(int64(accepted)), humanize.Comma(int64(total)), 100*float64(accepted)/float64(total))
	return nil
}

func (r *Root) printTools(w io.Writer) error {
	mgr := r.newToolManager()
	statuses := mgr.GetToolStatus()

	fmt.Fprintln(w, "=== Stitching Engines ===")
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := statuses[name]
		if st.Available {
			fmt.Fprintf(w, "  %-8s ✅ AVAILABLE  %s %s\n", name, st.Version, st.Path)
			continue
		}
		reason := ""
		if st.Error != nil {
			reason = st.Error.Error()
		}
		fmt.Fprintf(w, "  %-8s ❌ NOT AVAILABLE  %s\n", name, reason)
	}

	fmt.Fprintf(w, "\nSelection order: %v\n", mgr.Candidates())
	fmt.Fprintf(w, "Per-attempt timeout: %s\n", r.cfg.Oracle.Timeout.Duration)
	fmt.Fprintf(w, "Work directory: %s\n", r.cfg.Oracle.WorkDir)
	return nil
}

func (r *Root) printConfig(w io.Writer) error {
	cfgPath := os.Getenv("PANOSEARCH_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/panosearch/config.json"
	}
	fmt.Fprintf(w, "Config file: %s\n\n", cfgPath)

	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printProgress(w io.Writer, e pipeline.Progress) {
	decision := "accepted"
	if !e.Outcome.Accepted {
		decision = "rejected (" + e.Outcome.Kind.String() + ")"
	}
	fmt.Fprintf(w, "attempt %d  [%d/%d]  %s  %s  %s\n",
		e.Attempt, e.Outcome.Index+1, e.Total, e.Outcome.Image.Name(), decision, e.Outcome.Latency.Round(time.Millisecond))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
