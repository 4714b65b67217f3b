package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/httpapi"
	"pkt.systems/waypoint/internal/appconfig"
	"pkt.systems/waypoint/internal/blobsink"
	"pkt.systems/waypoint/internal/eventbus"
	"pkt.systems/waypoint/schema"
	"pkt.systems/waypoint/uploadqueue"
)

func newUploadCmd() *cobra.Command {
	var cfgPath string
	var sinkKind string
	var dir string
	var httpBase string
	var watch string
	var settle time.Duration
	var concurrency int
	var attempts int
	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Upload files through the retry queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, err := configureLogging(cmd, cfg.Logging)
			if err != nil {
				return err
			}
			sinkCfg := cfg.Uploads.SinkConfig()
			if sinkKind != "" {
				sinkCfg.Kind = sinkKind
			}
			if dir != "" {
				sinkCfg.Dir = dir
			}
			if httpBase != "" {
				sinkCfg.HTTPBase = httpBase
			}
			sink, err := blobsink.Build(sinkCfg)
			if err != nil {
				return err
			}
			settings := cfg.Queue.Settings()
			if concurrency > 0 {
				settings.Concurrency = concurrency
			}
			if attempts > 0 {
				settings.MaxAttempts = attempts
			}

			out := cmd.OutOrStdout()
			if watch != "" {
				return watchDir(ctx, watch, settle, func(paths []string) {
					if _, err := uploadPaths(ctx, sink, settings, paths, out); err != nil {
						pslog.Ctx(ctx).Warn("upload batch failed", "err", err)
					}
				})
			}
			if len(args) == 0 {
				return fmt.Errorf("%w: no files given", schema.ErrInvalidRequest)
			}
			summary, err := uploadPaths(ctx, sink, settings, args, out)
			if err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&sinkKind, "sink", "", "override uploads.sink (dir or http)")
	cmd.Flags().StringVar(&dir, "dir", "", "override uploads.dir")
	cmd.Flags().StringVar(&httpBase, "http-base", "", "override uploads.http_base")
	cmd.Flags().StringVar(&watch, "watch", "", "upload files as they appear in this directory")
	cmd.Flags().DurationVar(&settle, "settle", time.Second, "quiet period before a watched file is uploaded")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override queue.concurrency")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "override queue.max_attempts")
	return cmd
}

func uploadPaths(ctx context.Context, sink blobsink.Sink, settings httpapi.QueueConfig, paths []string, out io.Writer) (uploadqueue.Summary, error) {
	files := make([]blobsink.File, 0, len(paths))
	for _, path := range paths {
		f, err := blobsink.PathFile(path)
		if err != nil {
			return uploadqueue.Summary{}, err
		}
		files = append(files, f)
	}
	return uploadFiles(ctx, sink, settings, files, out)
}

// uploadFiles runs one batch and prints its events as they arrive.
func uploadFiles(ctx context.Context, sink blobsink.Sink, settings httpapi.QueueConfig, files []blobsink.File, out io.Writer) (uploadqueue.Summary, error) {
	logger := pslog.Ctx(ctx)
	batch := schema.BatchID(uuid.NewString())
	bus := eventbus.New(logger)
	events, unsubscribe := bus.Subscribe(batch)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			printBatchEvent(out, ev)
		}
	}()

	q := uploadqueue.New[blobsink.File, string](uploadqueue.Options[blobsink.File]{
		Concurrency: settings.Concurrency,
		Backoff:     settings.Backoff,
		Name:        blobsink.FileName,
		Logger:      logger.With("batch", batch),
		OnAttempt:   uploadqueue.AttemptReporter(batch, bus),
	})
	uploadqueue.Observe(q, batch, bus)
	q.Enqueue(files, settings.MaxAttempts)
	_, err := q.Run(ctx, blobsink.Executor(sink))
	uploadqueue.Finish(batch, bus, q.Progress())
	unsubscribe()
	<-printed

	summary := uploadqueue.Summarize(q.Items())
	fmt.Fprintf(out, "%d uploaded, %d failed (%.0f%%), avg %s\n", summary.Completed, summary.Failed, summary.SuccessRate, summary.AvgDuration.Round(time.Millisecond))
	return summary, err
}

func printBatchEvent(w io.Writer, ev schema.BatchEvent) {
	switch ev.Type {
	case schema.BatchStatus:
		fmt.Fprintln(w, ev.Status)
	case schema.BatchAttempt:
		if ev.Item == nil {
			return
		}
		it := ev.Item
		switch {
		case it.Status == schema.ItemCompleted:
			fmt.Fprintf(w, "  %s uploaded in %s\n", it.Name, ev.Duration.Round(time.Millisecond))
		case ev.Retry:
			fmt.Fprintf(w, "  %s attempt %d/%d failed, retrying: %s\n", it.Name, it.Attempts, it.MaxAttempts, it.Error)
		default:
			fmt.Fprintf(w, "  %s failed after %d attempts: %s\n", it.Name, it.Attempts, it.Error)
		}
	}
}

// settleBatcher groups paths that stopped changing for a quiet period.
type settleBatcher struct {
	settle time.Duration
	seen   map[string]time.Time
}

func newSettleBatcher(settle time.Duration) *settleBatcher {
	if settle <= 0 {
		settle = time.Second
	}
	return &settleBatcher{settle: settle, seen: map[string]time.Time{}}
}

// Touch records a change to path at t.
func (b *settleBatcher) Touch(path string, t time.Time) {
	b.seen[path] = t
}

// Forget drops a path that went away before it settled.
func (b *settleBatcher) Forget(path string) {
	delete(b.seen, path)
}

// Ready removes and returns the paths quiet since now-settle, sorted.
func (b *settleBatcher) Ready(now time.Time) []string {
	var ready []string
	for path, last := range b.seen {
		if now.Sub(last) >= b.settle {
			ready = append(ready, path)
			delete(b.seen, path)
		}
	}
	sort.Strings(ready)
	return ready
}

func watchable(path string) bool {
	base := filepath.Base(path)
	return base != "" && !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}

// watchDir calls upload with every settled batch of new or rewritten files in
// dir until ctx is done. Batches run one at a time.
func watchDir(ctx context.Context, dir string, settle time.Duration, upload func(paths []string)) error {
	logger := pslog.Ctx(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("upload watching", "dir", dir, "settle", settle)

	batcher := newSettleBatcher(settle)
	ticker := time.NewTicker(max(batcher.settle/4, 10*time.Millisecond))
	defer ticker.Stop()

	var running sync.WaitGroup
	defer running.Wait()
	batches := make(chan []string, 16)
	running.Add(1)
	go func() {
		defer running.Done()
		for paths := range batches {
			upload(paths)
		}
	}()
	defer close(batches)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watchable(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				batcher.Touch(ev.Name, time.Now())
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				batcher.Forget(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("upload watch error", "err", err)
		case now := <-ticker.C:
			ready := regularFiles(batcher.Ready(now))
			if len(ready) == 0 {
				continue
			}
			logger.Debug("upload batch settled", "files", len(ready))
			select {
			case batches <- ready:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func regularFiles(paths []string) []string {
	out := paths[:0]
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			out = append(out, path)
		}
	}
	return out
}
