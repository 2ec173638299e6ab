package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lei/woodhouse/internal/api"
	"github.com/lei/woodhouse/internal/config"
	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/metrics"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/runner"
	"github.com/lei/woodhouse/internal/service"
	"github.com/lei/woodhouse/internal/stream"
	"github.com/lei/woodhouse/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Server is a Woodhouse instance that can be embedded in applications
type Server struct {
	config  *config.Config
	hub     *hub.Hub
	runner  *runner.Runner
	service *service.Service
	metrics *metrics.Metrics
	router  http.Handler
	server  *http.Server
	cron    *cron.Cron
	logger  *logger.Logger
}

// Config holds the configuration for the Server. Zero values take the
// documented defaults.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication configuration
	Auth AuthConfig

	// Event stream configuration
	Stream StreamConfig

	// Runner configuration
	Runner RunnerConfig

	// Retention configuration for finished builds
	Retention RetentionConfig

	// RateLimit configuration for build triggers
	RateLimit RateLimitConfig

	// Jobs configuration
	Jobs []*models.Job

	// Logger configuration
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKeys protect build triggers and cancels. Empty means open.
	APIKeys []APIKey
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string
	Key  string
}

// StreamConfig holds event stream configuration
type StreamConfig struct {
	MaxChunkBytes     int
	HeartbeatInterval time.Duration
	Retry             time.Duration
}

// RunnerConfig holds build executor configuration
type RunnerConfig struct {
	// External disables the built-in executor. Builds are then created and
	// written through Hub by the embedding program.
	External    bool
	Concurrency int
	QueueSize   int

	// DockerCommand and GitCommand default to "docker" and "git" on PATH
	DockerCommand string
	GitCommand    string

	// WorkspaceDir holds per-build repository checkouts; empty uses the
	// system temp dir
	WorkspaceDir string

	// AllowJobCreation enables POST /jobs. It requires API keys, since a
	// created job runs an arbitrary command.
	AllowJobCreation bool
}

// RetentionConfig controls when finished builds are forgotten
type RetentionConfig struct {
	Schedule   string
	MaxAge     time.Duration
	KeepPerJob int
}

// RateLimitConfig limits build triggers per client
type RateLimitConfig struct {
	TriggersPerMinute int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// New creates a new Server instance with the provided configuration
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	internal := cfg.toInternal()
	if err := internal.Validate(); err != nil {
		return nil, err
	}
	return newServer(internal, cfg.Jobs, cfg.Runner.External)
}

// NewFromFiles creates a Server from a YAML config file and a jobs file.
// An empty configPath uses the defaults.
func NewFromFiles(configPath, jobsPath string) (*Server, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	jobs, err := config.LoadJobs(jobsPath)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	return newServer(cfg, jobs, false)
}

// WithPort overrides the listen port before Start
func (s *Server) WithPort(port int) *Server {
	s.config.Server.Port = port
	s.server.Addr = fmt.Sprintf(":%d", port)
	return s
}

func newServer(cfg *config.Config, jobs []*models.Job, external bool) (*Server, error) {
	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New()

	h := hub.New(appLogger, m)

	var r *runner.Runner
	if !external {
		r = runner.New(h, appLogger, m, runner.Options{
			Concurrency: cfg.Runner.Concurrency,
			QueueSize:   cfg.Runner.QueueSize,
			Docker:      cfg.Runner.DockerCommand,
			Git:         cfg.Runner.GitCommand,
			Workspace:   cfg.Runner.WorkspaceDir,
		})
	}

	svc := service.NewService(jobs, h, r, stream.Options{
		MaxChunk:  cfg.Stream.MaxChunkBytes,
		Heartbeat: cfg.Stream.HeartbeatInterval,
		Metrics:   m,
		Logger:    appLogger,
	}, appLogger)

	handlers := api.NewHandlers(svc, cfg.Stream.Retry)
	router := api.NewRouter(handlers, api.RouterOptions{
		Auth:           api.NewAuthMiddleware(cfg.Auth.APIKeys),
		Logging:        api.NewLoggingMiddleware(appLogger),
		RateLimit:      api.NewRateLimiter(cfg.RateLimit.TriggersPerMinute, cfg.RateLimit.Burst),
		Metrics:        m.Handler(),
		RequestTimeout: cfg.Server.RequestTimeout,
		CreateJobs:     cfg.Runner.AllowJobCreation,
	})

	// WriteTimeout applies to plain requests; stream handlers lift it per response.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s := &Server{
		config:  cfg,
		hub:     h,
		runner:  r,
		service: svc,
		metrics: m,
		router:  router,
		server:  srv,
		logger:  appLogger,
	}

	s.cron = cron.New(cron.WithLogger(cronLogger{appLogger}))
	if _, err := s.cron.AddFunc(cfg.Retention.Schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("schedule retention sweep: %w", err)
	}

	appLogger.Info("server configured",
		"jobs", len(jobs),
		"external_executor", external,
		"auth_keys", len(cfg.Auth.APIKeys))
	return s, nil
}

// StartWorkers starts the executor and the retention schedule without
// listening. Use it with Handler when mounting into another server, and call
// Shutdown when done.
func (s *Server) StartWorkers() {
	if s.runner != nil {
		s.runner.Start()
	}
	s.cron.Start()
}

// Start starts the executor, the retention schedule and the HTTP server.
// This is a blocking call that will run until the context is canceled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.StartWorkers()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting http server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown closes every stream, drains HTTP requests, stops the executor
// and the retention schedule. All failures are reported together.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error

	// Streams never end on their own; release them so Shutdown can drain.
	s.hub.Close()

	if serr := s.server.Shutdown(ctx); serr != nil {
		s.server.Close()
		err = multierr.Append(err, fmt.Errorf("graceful shutdown failed: %w", serr))
	}

	if s.runner != nil {
		err = multierr.Append(err, s.runner.Stop(ctx))
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("stop retention schedule: %w", ctx.Err()))
	}

	if err == nil {
		s.logger.Info("server stopped gracefully")
	}
	return err
}

func (s *Server) sweep() {
	removed := s.hub.Sweep(time.Now(), s.config.Retention.MaxAge, s.config.Retention.KeepPerJob)
	s.logger.Debug("retention sweep completed", "removed", removed)
}

// Handler returns the http.Handler for the server.
// Use this if you want to integrate Woodhouse into an existing HTTP server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Service returns the underlying service layer.
// Use this for direct programmatic access to jobs and builds.
func (s *Server) Service() *service.Service {
	return s.service
}

// Hub returns the live build registry. With an external executor, create
// builds with Hub().CreateBuild, write to Build.Output, then call
// Output.MarkFinished followed by Hub().SetBuildStatus.
//
// Build.Output accepts one writer at a time. Writes from a second goroutine
// fail with output.ErrWriterConflict; the server does not see those errors,
// so the writer has to check and log them.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

func (c *Config) toInternal() *config.Config {
	out := config.Default()

	if c.Server.Port != 0 {
		out.Server.Port = c.Server.Port
	}
	if c.Server.ReadTimeout != 0 {
		out.Server.ReadTimeout = c.Server.ReadTimeout
	}
	if c.Server.WriteTimeout != 0 {
		out.Server.WriteTimeout = c.Server.WriteTimeout
	}
	if c.Server.RequestTimeout != 0 {
		out.Server.RequestTimeout = c.Server.RequestTimeout
	}
	if c.Server.ShutdownTimeout != 0 {
		out.Server.ShutdownTimeout = c.Server.ShutdownTimeout
	}

	for _, key := range c.Auth.APIKeys {
		out.Auth.APIKeys = append(out.Auth.APIKeys, config.APIKey{
			Name: key.Name,
			Key:  key.Key,
		})
	}

	if c.Stream.MaxChunkBytes != 0 {
		out.Stream.MaxChunkBytes = c.Stream.MaxChunkBytes
	}
	if c.Stream.HeartbeatInterval != 0 {
		out.Stream.HeartbeatInterval = c.Stream.HeartbeatInterval
	}
	if c.Stream.Retry != 0 {
		out.Stream.Retry = c.Stream.Retry
	}

	if c.Runner.Concurrency != 0 {
		out.Runner.Concurrency = c.Runner.Concurrency
	}
	if c.Runner.QueueSize != 0 {
		out.Runner.QueueSize = c.Runner.QueueSize
	}
	if c.Runner.DockerCommand != "" {
		out.Runner.DockerCommand = c.Runner.DockerCommand
	}
	if c.Runner.GitCommand != "" {
		out.Runner.GitCommand = c.Runner.GitCommand
	}
	out.Runner.WorkspaceDir = c.Runner.WorkspaceDir
	out.Runner.AllowJobCreation = c.Runner.AllowJobCreation

	if c.Retention.Schedule != "" {
		out.Retention.Schedule = c.Retention.Schedule
	}
	if c.Retention.MaxAge != 0 {
		out.Retention.MaxAge = c.Retention.MaxAge
	}
	if c.Retention.KeepPerJob != 0 {
		out.Retention.KeepPerJob = c.Retention.KeepPerJob
	}

	if c.RateLimit.TriggersPerMinute != 0 {
		out.RateLimit.TriggersPerMinute = c.RateLimit.TriggersPerMinute
	}
	if c.RateLimit.Burst != 0 {
		out.RateLimit.Burst = c.RateLimit.Burst
	}

	if c.Logging.Level != "" {
		out.Logging.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		out.Logging.Format = c.Logging.Format
	}
	return out
}

// cronLogger routes the scheduler's own messages into the server logger
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
