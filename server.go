package blobd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/core"
	"pkt.systems/blobd/internal/httpapi"
	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/storage/retry"
	"pkt.systems/blobd/internal/svcfields"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the blob service, and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	svc          *core.Service
	keychain     *core.Keychain
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu            sync.Mutex
	shutdown      bool
	sweeperCancel context.CancelFunc
	sweeperDone   sync.WaitGroup
	readyOnce     sync.Once
	readyCh       chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Backend  storage.Backend
	Clock    clock.Clock
	Keychain *core.Keychain
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithKeychain injects a pre-built account keychain, bypassing KeyFile.
func WithKeychain(k *core.Keychain) Option {
	return func(o *options) {
		o.Keychain = k
	}
}

// NewServer constructs a blobd server according to cfg.
// Example:
//
//	cfg := blobd.Config{Store: "mem://", Listen: ":9420"}
//	srv, err := blobd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var telemetry *telemetryBundle
	var err error
	if cfg.MetricsListen != "" || cfg.PprofListen != "" {
		telemetry, err = setupTelemetry(context.Background(), cfg.MetricsListen, cfg.PprofListen, svcfields.WithSubsystem(logger, "telemetry"))
		if err != nil {
			return nil, err
		}
	}
	fail := func(err error) (*Server, error) {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
		return nil, err
	}
	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(cfg, svcfields.WithSubsystem(logger, "storage"))
		if err != nil {
			return fail(err)
		}
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	retryCfg := retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	}
	backend = retry.Wrap(backend, svcfields.WithSubsystem(logger, "storage.retry"), serverClock, retryCfg)
	keychain := o.Keychain
	if keychain == nil && cfg.KeyFile != "" {
		keychain, err = core.LoadKeychain(cfg.KeyFile, svcfields.WithSubsystem(logger, "keychain"))
		if err != nil {
			_ = backend.Close()
			return fail(err)
		}
	}
	svc := core.New(core.Config{
		Store:                backend,
		Logger:               logger,
		Clock:                serverClock,
		Keychain:             keychain,
		ListPageSize:         cfg.ListPageSize,
		MaxBlobBytes:         cfg.MaxBlobBytes,
		MaxPageCapacity:      cfg.MaxPageCapacity,
		StagedBlockRetention: cfg.StagedBlockRetention,
	})
	// Request bodies carry base64-encoded content, so the cap leaves room
	// for the 4/3 expansion plus the JSON envelope.
	var maxBody int64
	if cfg.MaxBlobBytes > 0 {
		maxBody = cfg.MaxBlobBytes/3*4 + 64<<10
	}
	handler := httpapi.New(httpapi.Config{
		Core:               svc,
		Logger:             logger,
		Clock:              serverClock,
		RequireAuth:        cfg.RequireAuth,
		MaxBodyBytes:       maxBody,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		backend:   backend,
		svc:       svc,
		keychain:  keychain,
		handler:   handler,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so blobd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the underlying blob service for embedders that want to
// bypass HTTP.
func (s *Server) Service() *core.Service {
	return s.svc
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	// svc.Close waits for in-flight copies and closes the backend.
	if err := s.svc.Close(); err != nil {
		return err
	}
	if s.keychain != nil {
		if err := s.keychain.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperCancel != nil {
		s.mu.Unlock()
		return
	}
	sweeperCtx, cancel := context.WithCancel(context.Background())
	s.sweeperCancel = cancel
	s.sweeperDone.Add(1)
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		s.svc.RunStagedBlockSweeper(sweeperCtx, interval)
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	cancel := s.sweeperCancel
	s.sweeperCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. It is primarily useful for diagnostics; Shutdown already reports any
// fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a blobd server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
// Example:
//
//	cfg := blobd.Config{Store: "mem://", Listen: "127.0.0.1:0"}
//	srv, stop, err := blobd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
