package main

import (
	"context"
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

type restoreOptions struct {
	URL      string
	DSN      string
	Seed     int
	Duration time.Duration
	Headful  bool
}

func newRestoreCmd() *cobra.Command {
	var cfgPath string
	opts := restoreOptions{Seed: -1}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Track and restore scroll positions in a Chrome tab",
		Long: "Opens the URL in Chrome, remembers scroll offsets as you browse, and\n" +
			"restores them on back/forward navigation and reloads.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, err := configureLogging(cmd, cfg.Logging)
			if err != nil {
				return err
			}
			return runRestore(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&opts.URL, "url", "", "page to open")
	cmd.Flags().StringVar(&opts.DSN, "storage", "", "position storage DSN (default: the tab's sessionStorage)")
	cmd.Flags().IntVar(&opts.Seed, "seed", -1, "store this offset for the URL and reload before tracking")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (default: until interrupted)")
	cmd.Flags().BoolVar(&opts.Headful, "headful", false, "show the browser window")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runRestore(ctx context.Context, cfg appconfig.Config, opts restoreOptions, out io.Writer) error {
	logger := pslog.Ctx(ctx)
	target, err := url.Parse(opts.URL)
	if err != nil || target.Scheme == "" {
		return fmt.Errorf("%w: url %q", schema.ErrInvalidRequest, opts.URL)
	}
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	// The tab outlives ctx long enough to capture the final offset.
	page, err := browser.NewChromePage(context.WithoutCancel(ctx), browser.ChromeOptions{
		ExecPath:       cfg.Browser.ExecPath,
		Headless:       cfg.Browser.Headless && !opts.Headful,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		NoSandbox:      cfg.Browser.NoSandbox,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer page.Close()

	var storage core.Storage = page.Storage()
	if opts.DSN != "" {
		built, err := sessionstore.Build(opts.DSN)
		if err != nil {
			return err
		}
		defer built.Close()
		storage = built
		logger.Info("restore storage selected", "dsn", redactDSN(opts.DSN))
	}
	positions := core.NewPositionStore(storage, core.WithPositionLogger(logger))

	if opts.Seed >= 0 {
		// sessionStorage is per origin, so the tab must be on the page first.
		if err := page.Navigate(ctx, opts.URL); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		key, err := schema.KeyFromURL(target)
		if err != nil {
			return err
		}
		if !positions.Overwrite(ctx, key, opts.Seed) {
			return fmt.Errorf("seed %s: %w", key, schema.ErrStorageUnavailable)
		}
		logger.Info("restore seeded", "key", key, "offset", opts.Seed)
	}

	frame := time.Duration(cfg.Browser.FrameIntervalMillis) * time.Millisecond
	loop := core.NewLoop(core.WithFrameInterval(frame))
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()

	binderOpts := cfg.Restore.BinderOptions()
	binderOpts.Logger = logger
	binderOpts.Observer = restoreFunc(func(result schema.RestoreResult) {
		fmt.Fprintf(out, "%s %s: target %d final %d after %d attempts\n", result.Key, result.Outcome, result.Target, result.Final, result.Attempts)
	})
	binder := core.NewBinder(page, positions, loop, binderOpts)
	go binder.Attach(ctx, loop, page.Events())

	if err := page.Navigate(ctx, opts.URL); err != nil {
		stopLoop()
		<-loopDone
		return fmt.Errorf("navigate: %w", err)
	}
	logger.Info("restore tracking", "url", opts.URL)
	<-ctx.Done()

	// Capture the final offset before the browser goes away.
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := loop.Call(teardownCtx, func() {
		binder.Teardown(teardownCtx)
		binder.Close()
	}); err != nil {
		logger.Warn("restore teardown failed", "err", err)
	}
	stopLoop()
	<-loopDone
	return nil
}
