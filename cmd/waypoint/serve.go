package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/waypoint"
	"pkt.systems/waypoint/internal/appconfig"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var dsn string
	var noUploads bool
	var noMetrics bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the waypoint HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, err := configureLogging(cmd, cfg.Logging)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(ctx)
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if dsn != "" {
				cfg.Storage.DSN = dsn
			}

			opts := []waypoint.ServerOption{waypoint.WithHTTP()}
			if !noUploads {
				opts = append(opts, waypoint.WithUploads())
			}
			if !noMetrics {
				opts = append(opts, waypoint.WithMetrics())
			}
			server, err := waypoint.New(serverConfig(cfg), waypoint.ServerDeps{}, opts...)
			if err != nil {
				return err
			}
			logger.Info("storage selected", "dsn", redactDSN(cfg.Storage.DSN), "uploads", !noUploads, "sink", cfg.Uploads.Sink)

			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().StringVar(&dsn, "storage", "", "override storage.dsn")
	cmd.Flags().BoolVar(&noUploads, "no-uploads", false, "disable the upload endpoints")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable /metrics")
	return cmd
}

func serverConfig(cfg appconfig.Config) waypoint.ServerConfig {
	return waypoint.ServerConfig{
		HTTP:       cfg.HTTP.Server(),
		Queue:      cfg.Queue.Settings(),
		StorageDSN: cfg.Storage.DSN,
		Uploads:    cfg.Uploads.SinkConfig(),
		HubHistory: cfg.HTTP.HubHistory,
	}
}
