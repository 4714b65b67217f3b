package waypoint

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"
	"pkt.systems/waypoint/httpapi"
	"pkt.systems/waypoint/internal/blobsink"
	"pkt.systems/waypoint/internal/metrics"
	"pkt.systems/waypoint/internal/sessionstore"
	"pkt.systems/waypoint/schema"
	"pkt.systems/waypoint/uploadqueue"
)

// Server composes the HTTP API, session storage, uploads, and metrics.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP  httpapi.Config
	Queue httpapi.QueueConfig
	// StorageDSN selects the position backend when ServerDeps.Storage is nil.
	StorageDSN string
	Uploads    blobsink.Config
	HubHistory int
}

// ServerDeps overrides components built from the config.
type ServerDeps struct {
	Storage  sessionstore.Store
	Sink     blobsink.Sink
	Registry *prometheus.Registry
	// Listener replaces binding HTTP.Addr.
	Listener net.Listener
	// Observers receive every upload batch event.
	Observers []uploadqueue.Sink
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableUploads bool
	enableMetrics bool
}

// WithHTTP enables the HTTP API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithUploads enables the upload endpoints.
func WithUploads() ServerOption {
	return func(o *serverOptions) { o.enableUploads = true }
}

// WithMetrics enables Prometheus collectors and /metrics.
func WithMetrics() ServerOption {
	return func(o *serverOptions) { o.enableMetrics = true }
}

// New constructs a composable waypoint server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP {
		return nil, errors.New("no services enabled")
	}

	storage := deps.Storage
	ownsStorage := false
	if storage == nil {
		built, err := sessionstore.Build(cfg.StorageDSN)
		if err != nil {
			return nil, err
		}
		storage = built
		ownsStorage = true
	}
	closeOnErr := func(err error) (Server, error) {
		if ownsStorage {
			_ = storage.Close()
		}
		return nil, err
	}

	var sink blobsink.Sink
	if options.enableUploads {
		sink = deps.Sink
		if sink == nil {
			built, err := blobsink.Build(cfg.Uploads)
			if err != nil {
				return closeOnErr(err)
			}
			sink = built
		}
	}

	hub := httpapi.NewHub(cfg.HubHistory)
	sinks := []uploadqueue.Sink{hub}
	apiDeps := httpapi.Deps{
		Storage: storage,
		Sink:    sink,
		Queue:   cfg.Queue,
		Hub:     hub,
	}
	if options.enableMetrics {
		registry := deps.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		m, err := metrics.New(registry)
		if err != nil {
			return closeOnErr(err)
		}
		sinks = append(sinks, m)
		apiDeps.Positions = m
		apiDeps.Metrics = metrics.Handler(registry)
		apiDeps.OnBatchStart = func(schema.BatchID) { m.BatchStarted() }
	}
	sinks = append(sinks, deps.Observers...)
	apiDeps.Observer = NewBatchObserver(sinks...)

	return &compositeServer{
		cfg:         cfg,
		options:     options,
		httpSrv:     httpapi.NewServer(cfg.HTTP, apiDeps),
		listener:    deps.Listener,
		storage:     storage,
		ownsStorage: ownsStorage,
	}, nil
}

type compositeServer struct {
	cfg         ServerConfig
	options     serverOptions
	httpSrv     *httpapi.Server
	listener    net.Listener
	storage     sessionstore.Store
	ownsStorage bool
	logger      pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
	served  sync.WaitGroup
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
		"uploads", s.options.enableUploads,
		"metrics", s.options.enableMetrics,
	)
	s.httpSrv.SetBaseContext(s.ctx)
	s.served.Add(1)
	go func() {
		defer s.served.Done()
		var err error
		if s.listener != nil {
			err = httpapi.Serve(s.ctx, s.listener, s.httpSrv.Handler())
		} else {
			err = httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler())
		}
		if err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if err := s.httpSrv.Drain(ctx); err != nil {
		log.Warn("server stop timed out", "err", err)
		return err
	}
	done := make(chan struct{})
	go func() {
		s.served.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
	}
	if s.ownsStorage && s.storage != nil {
		if err := s.storage.Close(); err != nil {
			log.Warn("server storage close failed", "err", err)
		}
	}
	log.Info("server stopped")
	return nil
}
