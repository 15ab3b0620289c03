// Package report summarises a search for people.
package report

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"panosearch/internal/artifact"
	"panosearch/internal/imageset"
	"panosearch/internal/oracle"
	"panosearch/internal/search"
)

// Timing holds latency statistics for one group of oracle calls.
type Timing struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
}

func timing(samples []float64) Timing {
	t := Timing{Count: len(samples)}
	if len(samples) == 0 {
		return t
	}
	mean, std := stat.MeanStdDev(samples, nil)
	t.Mean = time.Duration(mean * float64(time.Second))
	if len(samples) > 1 {
		t.StdDev = time.Duration(std * float64(time.Second))
	}
	return t
}

// ratio is accepted mean over rejected mean, 0 when either side is empty.
func ratio(accepted, rejected Timing) float64 {
	if accepted.Count == 0 || rejected.Count == 0 || rejected.Mean == 0 {
		return 0
	}
	return accepted.Mean.Seconds() / rejected.Mean.Seconds()
}

// Attempt is one line of the per-attempt table.
type Attempt struct {
	Attempt      int
	StartImage   string
	Kept         int
	Accepted     Timing
	Rejected     Timing
	Errors       int
	EarlyStopped bool
	Elapsed      time.Duration
	Ratio        float64
}

// Report is the printable summary of a search.
type Report struct {
	RunID         string
	Best          int
	Total         int
	Percent       float64
	TargetCount   int
	TargetReached bool
	BestAttempt   int

	Accepted Timing
	Rejected Timing
	// Ratio is mean accept latency over mean reject latency.
	Ratio float64
	// Errors counts rejections caused by oracle malfunctions rather than
	// stitch failures.
	Errors int

	Attempts   []Attempt
	BestImages []imageset.Image

	Artifact    string
	ArtifactErr string
	Composite   *artifact.Info

	Elapsed time.Duration
}

// Summarize derives a report from a search result. It does no I/O.
func Summarize(res search.Result) Report {
	r := Report{
		RunID:         res.RunID,
		Best:          res.BestSize(),
		Total:         res.Total,
		TargetCount:   res.TargetCount,
		TargetReached: res.TargetReached,
		Artifact:      res.Artifact,
		Elapsed:       res.Elapsed,
	}
	if res.ArtifactErr != nil {
		r.ArtifactErr = res.ArtifactErr.Error()
	}
	if r.Total > 0 {
		r.Percent = float64(r.Best) / float64(r.Total) * 100
	}

	var accepted, rejected []float64
	for _, a := range res.Attempts {
		var acc, rej []float64
		errs := 0
		for _, o := range a.Outcomes {
			if o.Accepted {
				acc = append(acc, o.Latency.Seconds())
				continue
			}
			rej = append(rej, o.Latency.Seconds())
			if o.Kind == oracle.Error {
				errs++
			}
		}
		line := Attempt{
			Attempt:      a.Attempt,
			Kept:         len(a.Accepted),
			Accepted:     timing(acc),
			Rejected:     timing(rej),
			Errors:       errs,
			EarlyStopped: a.EarlyStopped,
			Elapsed:      a.Elapsed,
		}
		if len(a.Accepted) > 0 {
			line.StartImage = a.Accepted[0].Name()
		}
		line.Ratio = ratio(line.Accepted, line.Rejected)
		r.Attempts = append(r.Attempts, line)

		accepted = append(accepted, acc...)
		rejected = append(rejected, rej...)
		r.Errors += errs
	}
	r.Accepted = timing(accepted)
	r.Rejected = timing(rejected)
	r.Ratio = ratio(r.Accepted, r.Rejected)

	if res.Best != nil {
		r.BestAttempt = res.Best.Attempt
		r.BestImages = slices.Clone(res.Best.Accepted)
		slices.SortStableFunc(r.BestImages, func(a, b imageset.Image) int {
			return a.Created.Compare(b.Created)
		})
	}
	return r
}

// WithComposite attaches the inspected composite.
func (r Report) WithComposite(info artifact.Info) Report {
	r.Composite = &info
	r.Artifact = info.Path
	return r
}

// Write renders the report as text.
func (r Report) Write(w io.Writer) error {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "FINAL RESULTS")
	fmt.Fprintln(&b, line)
	if r.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", r.RunID)
	}
	fmt.Fprintf(&b, "Best result: %d/%d images (%.1f%%)", r.Best, r.Total, r.Percent)
	if r.BestAttempt > 0 {
		fmt.Fprintf(&b, " from attempt %d", r.BestAttempt)
	}
	fmt.Fprintln(&b)
	status := "not reached"
	if r.TargetReached {
		status = "reached"
	}
	fmt.Fprintf(&b, "Target: %d images, %s\n", r.TargetCount, status)
	fmt.Fprintf(&b, "Total execution time: %s (%.1f minutes)\n", r.Elapsed.Round(100*time.Millisecond), r.Elapsed.Minutes())

	fmt.Fprintln(&b, "\nTiming comparison:")
	fmt.Fprintf(&b, "  Accepted images: %s (avg: %.1fs per image, sd %.1fs)\n", humanize.Comma(int64(r.Accepted.Count)), r.Accepted.Mean.Seconds(), r.Accepted.StdDev.Seconds())
	fmt.Fprintf(&b, "  Rejected images: %s (avg: %.1fs per image, sd %.1fs)\n", humanize.Comma(int64(r.Rejected.Count)), r.Rejected.Mean.Seconds(), r.Rejected.StdDev.Seconds())
	if r.Ratio > 0 {
		fmt.Fprintf(&b, "  Acceptance takes %.1fx longer than rejection\n", r.Ratio)
	}
	if r.Errors > 0 {
		fmt.Fprintf(&b, "  Engine errors counted as rejections: %d\n", r.Errors)
	}

	if len(r.Attempts) > 0 {
		fmt.Fprintln(&b, "\nAttempts:")
		for _, a := range r.Attempts {
			fmt.Fprintf(&b, "  %2d. start %-24s kept %d/%d  accepted %d  rejected %d  errors %d  %s",
				a.Attempt, a.StartImage, a.Kept, r.Total, a.Accepted.Count, a.Rejected.Count, a.Errors, a.Elapsed.Round(100*time.Millisecond))
			if a.EarlyStopped {
				fmt.Fprint(&b, "  (stopped early)")
			}
			fmt.Fprintln(&b)
		}
	}

	if len(r.BestImages) > 0 {
		fmt.Fprintln(&b, "\nImages included in final panorama:")
		for _, img := range r.BestImages {
			fmt.Fprintf(&b, "  - %s\n", img.Name())
		}
	}

	switch {
	case r.Composite != nil:
		fmt.Fprintf(&b, "\nFinal panorama: %s (%dx%d %s, %s)\n", r.Composite.Path, r.Composite.Width, r.Composite.Height, r.Composite.Format, humanize.Bytes(uint64(r.Composite.Size)))
	case r.Artifact != "":
		fmt.Fprintf(&b, "\nFinal panorama: %s\n", r.Artifact)
	case r.ArtifactErr != "":
		fmt.Fprintf(&b, "\nFailed to create final panorama: %s\n", r.ArtifactErr)
	case r.Best == 0:
		fmt.Fprintln(&b, "\nNo images could be stitched together!")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteTo implements io.WriterTo.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if err := r.Write(&buf); err != nil {
		return 0, err
	}
	return buf.WriteTo(w)
}

// String renders the report.
func (r Report) String() string {
	var b strings.Builder
	_ = r.Write(&b)
	return b.String()
}
