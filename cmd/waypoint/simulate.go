package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/core"
	"pkt.systems/waypoint/internal/appconfig"
	"pkt.systems/waypoint/internal/browser"
	"pkt.systems/waypoint/internal/sessionstore"
	"pkt.systems/waypoint/schema"
)

type simOptions struct {
	URL      string
	Target   int
	Viewport int
	Profile  browser.Profile
	Restore  core.RestoreOptions
	// Limit bounds the scheduled callbacks run by the virtual clock.
	Limit int
}

type simReport struct {
	Result  schema.RestoreResult `json:"result"`
	Steps   []scrollStep         `json:"steps"`
	Elapsed time.Duration        `json:"elapsed"`
}

// runSimulation restores opts.Target on a virtual page whose document grows
// per opts.Profile, entirely on a virtual clock.
func runSimulation(ctx context.Context, opts simOptions) (simReport, error) {
	if opts.Target < 0 {
		return simReport{}, fmt.Errorf("%w: target %d", schema.ErrInvalidOffset, opts.Target)
	}
	loc, err := url.Parse(opts.URL)
	if err != nil {
		return simReport{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	key, err := schema.KeyFromURL(loc)
	if err != nil {
		return simReport{}, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 100000
	}

	sched := core.NewManualScheduler(time.Time{})
	start := sched.Now()
	page := newTracedViewport(browser.NewSimPage(sched.Now, opts.Viewport, opts.Profile), sched.Now)
	positions := core.NewPositionStore(sessionstore.NewMemory())
	positions.Overwrite(ctx, key, opts.Target)

	var report simReport
	finished := false
	binder := core.NewBinder(page, positions, sched, core.BinderOptions{
		Restore: opts.Restore,
		Logger:  pslog.Ctx(ctx),
		Observer: restoreFunc(func(result schema.RestoreResult) {
			report.Result = result
			finished = true
		}),
	})
	binder.RouteEnter(ctx, loc)
	sched.RunUntilIdle(opts.Limit)
	binder.Close()
	if !finished {
		return simReport{}, fmt.Errorf("restore did not finish within %d callbacks", opts.Limit)
	}
	report.Steps = page.steps
	report.Elapsed = sched.Now().Sub(start)
	return report, nil
}

func printSimReport(w io.Writer, report simReport) error {
	for i, step := range report.Steps {
		if _, err := fmt.Fprintf(w, "%3d  +%-8s scroll %6d  document %6d\n", i+1, step.At, step.Y, step.DocumentHeight); err != nil {
			return err
		}
	}
	r := report.Result
	_, err := fmt.Fprintf(w, "%s: target %d final %d after %d attempts in %s\n", r.Outcome, r.Target, r.Final, r.Attempts, report.Elapsed)
	return err
}

func newSimulateCmd() *cobra.Command {
	var cfgPath string
	var opts simOptions
	var asJSON bool
	var loading time.Duration
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Restore a scroll offset on a simulated growing page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, err := configureLogging(cmd, cfg.Logging)
			if err != nil {
				return err
			}
			opts.Restore = cfg.Restore.Options()
			opts.Profile.LoadingFor = loading
			report, err := runSimulation(ctx, opts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printSimReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&opts.URL, "url", "https://app.example/feed", "location being restored")
	cmd.Flags().IntVar(&opts.Target, "target", 6000, "remembered scroll offset")
	cmd.Flags().IntVar(&opts.Viewport, "viewport", 800, "viewport height")
	cmd.Flags().IntVar(&opts.Profile.Initial, "initial", 1200, "document height at navigation")
	cmd.Flags().IntVar(&opts.Profile.Final, "final", 8000, "document height once loaded")
	cmd.Flags().Float64Var(&opts.Profile.Rate, "rate", 4, "document growth in px/ms")
	cmd.Flags().DurationVar(&loading, "loading", 0, "report the page as loading for this long")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100000, "maximum scheduled callbacks")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
