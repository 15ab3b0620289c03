package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"panosearch/internal/config"
	"panosearch/internal/pipeline"
	"panosearch/internal/search"
	"panosearch/internal/storage"
	"panosearch/internal/watch"
)

const version = "v0.3.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panosearch",
		Short: "Find the largest set of photos that stitch into one panorama",
		Long: `panosearch repeatedly asks a stitching engine (PTGui or Hugin) whether a growing
subset of a directory's photos still forms a panorama, and keeps the largest one found.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSearchCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// searchFlags are shared by search and watch; only flags the user set
// override the configuration.
type searchFlags struct {
	engine    string
	order     string
	attempts  int
	target    float64
	failure   float64
	parallel  int
	seed      int64
	deadline  time.Duration
	keepWork  bool
	noPublish bool
	recursive bool
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.engine, "engine", "", "stitching engine (ptgui|hugin), auto-detect if empty")
	cmd.Flags().StringVar(&f.order, "order", "", "image ordering key (birth|mtime|exif)")
	cmd.Flags().IntVarP(&f.attempts, "attempts", "n", 0, "maximum number of randomized attempts")
	cmd.Flags().Float64Var(&f.target, "target", 0, "stop once this fraction of the images is stitched")
	cmd.Flags().Float64Var(&f.failure, "failure", 0, "fraction of rejections that ends an attempt")
	cmd.Flags().IntVarP(&f.parallel, "parallel", "j", 0, "attempts run concurrently")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "random seed for start positions")
	cmd.Flags().DurationVar(&f.deadline, "deadline", 0, "wall clock limit for the whole search")
	cmd.Flags().BoolVar(&f.keepWork, "keep-work", false, "keep the engine workspace for inspection")
	cmd.Flags().BoolVar(&f.noPublish, "no-publish", false, "do not copy the composite or write the report")
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "include images in subdirectories")
}

func (f *searchFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	set := func(name, key string, v any) {
		if cmd.Flags().Changed(name) {
			opts[key] = v
		}
	}
	set("engine", "engine", f.engine)
	set("order", "order", f.order)
	set("attempts", "maxAttempts", f.attempts)
	set("target", "targetFraction", f.target)
	set("failure", "failureFraction", f.failure)
	set("parallel", "parallelism", f.parallel)
	set("seed", "seed", f.seed)
	set("deadline", "deadline", f.deadline)
	set("keep-work", "keepWork", f.keepWork)
	set("no-publish", "noPublish", f.noPublish)
	set("recursive", "recursive", f.recursive)
	return opts
}

func newSearchCmd(root *Root) *cobra.Command {
	var (
		flags  searchFlags
		output string
		dryRun bool
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "search <input_directory> [output_directory]",
		Short: "Search a directory for the largest stitchable panorama",
		Long: `Run up to --attempts randomized greedy scans over the ordered photos of a
directory, keep the largest set the engine stitches, and publish its composite
together with a report.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}

			job := pipeline.Job{
				ID:        newID("search"),
				Type:      pipeline.JobSearch,
				InputPath: input,
				Output:    output,
				Options:   flags.options(cmd),
			}
			if dryRun {
				job.ID = newID("scan")
				job.Type = pipeline.JobScan
			}

			stopProgress := func() {}
			if !dryRun && !quiet {
				stopProgress = root.followProgress(cmd.ErrOrStderr(), job.ID)
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			stopProgress()
			out := cmd.OutOrStdout()
			if dryRun {
				if err != nil {
					return err
				}
				printScan(out, res)
				return nil
			}
			if res.Report != nil {
				if werr := res.Report.Write(out); werr != nil {
					return werr
				}
			}
			if errors.Is(err, search.ErrNoAcceptableSubset) {
				return fmt.Errorf("no two images of %s stitch together", input)
			}
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for the composite and report")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list the images in search order")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print each engine decision")

	return cmd
}

func printScan(w io.Writer, res pipeline.Result) {
	names, _ := res.Meta["images"].([]string)
	fmt.Fprintf(w, "%d images ordered by %v:\n", len(names), res.Meta["order"])
	for i, n := range names {
		fmt.Fprintf(w, "  %3d  %s\n", i, n)
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags  searchFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Search directories again whenever they settle",
		Long: `Watch directories for new or changed photos and submit a search once a
directory has been quiet for the configured debounce period.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			opts := flags.options(cmd)
			opts["source"] = "watch"

			dirs := make([]string, 0, len(args))
			for _, a := range args {
				abs, err := filepath.Abs(a)
				if err != nil {
					return err
				}
				dirs = append(dirs, abs)
			}

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			w, err := watch.New(dirs, root.cfg.Watch, root.cfg.Input.Extensions, func(dir string) error {
				return root.enqueue(ctx, pipeline.Job{
					ID:        newID("watch"),
					Type:      pipeline.JobSearch,
					InputPath: dir,
					Output:    output,
					Options:   opts,
				})
			}, root.log)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx) }()

			for {
				select {
				case err := <-errCh:
					return err
				case res, ok := <-results:
					if !ok {
						return <-errCh
					}
					fmt.Fprintf(out, "\n=== %s ===\n", res.Job.InputPath)
					if res.Report != nil {
						_ = res.Report.Write(out)
					}
					if res.Error != nil {
						fmt.Fprintf(out, "search failed: %v\n", res.Error)
					}
				}
			}
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for composites and reports")

	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit int
		image string
	)

	cmd := &cobra.Command{
		Use:   "history [run_id]",
		Short: "Show recorded searches",
		Long: `Without arguments list the most recent searches. With a run id show every
image decision of that run; with --image show how often a photo was accepted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run history is not available")
			}
			out := cmd.OutOrStdout()
			switch {
			case image != "":
				return root.printImageHistory(out, image)
			case len(args) == 1:
				return root.printRun(out, args[0])
			default:
				return root.printRuns(out, limit)
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to list")
	cmd.Flags().StringVar(&image, "image", "", "show acceptance counts for one photo")

	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show stitching engine availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printTools(cmd.OutOrStdout())
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate panosearch configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printConfig(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate [config_file]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if len(args) == 1 {
				loaded, err := config.LoadFile(args[0])
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%s", indent(err.Error()))
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("panosearch " + version)
		},
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
