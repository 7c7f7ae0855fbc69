package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/mixdown/internal/config"
	"github.com/harun/mixdown/internal/health"
	"github.com/harun/mixdown/internal/logger"
	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/telegram"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/audiomerge"
	"github.com/harun/mixdown/pkg/commandqueue"
	"github.com/harun/mixdown/pkg/ffmpeg"
	"github.com/harun/mixdown/pkg/ingest"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/harun/mixdown/pkg/session"
	"github.com/harun/mixdown/pkg/videomux"
)

const mergedTitle = "Mixdown"

var botCommands = []telegram.Command{
	{Name: "merge", Description: "Merge audio clips"},
	{Name: "video", Description: "Make a video from a photo and audio"},
	{Name: "done", Description: "Merge the clips sent so far"},
	{Name: "more", Description: "Add clips to the last merged file"},
	{Name: "cancel", Description: "Cancel and delete your files"},
	{Name: "help", Description: "How to use the bot"},
}

// Daemon represents the mixdown bot service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store     *assetstore.Store
	queue     *commandqueue.CommandQueue
	toolchain *ffmpeg.Toolchain
	reporter  *progress.Reporter
	machine   *session.Machine
	reaper    *session.Reaper

	// Services
	transport Transport
	health    *health.Server

	// Internal
	eventLoop *EventLoop
	router    *Router
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	version string
	tracer  *tracing.Provider
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithVersion sets the version reported in traces and the startup log.
func WithVersion(version string) Option {
	return func(d *Daemon) {
		d.version = version
	}
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
}

// New creates a daemon polling Telegram with the configured token.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	bot, err := telegram.New(&cfg.Telegram, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return NewWithTransport(cfg, log, bot, opts...)
}

// NewWithTransport creates a daemon over an existing transport.
func NewWithTransport(cfg *config.Config, log *logger.Logger, transport Transport, opts ...Option) (*Daemon, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:    cfg,
		logger:    log,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	base := log.GetZerolog()
	observability.SetAuditLogger(base)

	if cfg.Tracing.Enabled {
		tracingOpts := tracing.Options{
			ServiceName:    "mixdown",
			ServiceVersion: d.version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}
		if cfg.Tracing.LogSpans {
			spanLogger := base.With().Str("component", "tracing").Logger()
			tracingOpts.SpanLogger = &spanLogger
		}
		tracer, err := tracing.Setup(tracingOpts)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracer = tracer
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		_ = d.tracer.Shutdown(context.Background())
		d.tracer = nil
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	store, err := assetstore.New(filepath.Join(cfg.DataDir, "assets"))
	if err != nil {
		return fmt.Errorf("failed to create asset store: %w", err)
	}
	d.store = store

	d.queue = commandqueue.New()
	d.toolchain = ffmpeg.New(cfg.Media.FFmpegPath, cfg.Media.FFprobePath)

	merger := audiomerge.New(d.toolchain, audiomerge.WithBitrate(cfg.Media.AudioBitrate))
	muxer := videomux.New(d.toolchain,
		videomux.WithCRF(cfg.Media.VideoCRF),
		videomux.WithAudioBitrate(cfg.Media.AudioBitrate),
	)

	pipeline := ingest.New(store, d.transport, ingest.Limits{
		MaxAssetSize:    cfg.Media.MaxAssetSize,
		MaxQueueLength:  cfg.Media.MaxQueueLength,
		DownloadTimeout: cfg.DownloadTimeout(),
	})

	progressCfg := progress.DefaultConfig()
	if interval := cfg.ProgressInterval(); interval > 0 {
		progressCfg.MinInterval = interval
	}
	if cfg.Progress.Step > 0 {
		progressCfg.Step = cfg.Progress.Step
	}
	d.reporter = progress.NewReporter(d.transport, progressCfg)

	messages := Messages{
		MaxAssetSize:   cfg.Media.MaxAssetSize,
		MaxQueueLength: cfg.Media.MaxQueueLength,
		SessionTimeout: cfg.InactivityTimeout(),
	}

	d.machine = session.NewMachine(session.Deps{
		Store:    store,
		Queue:    d.queue,
		Ingest:   pipeline,
		Merger:   merger,
		Muxer:    muxer,
		Reporter: d.reporter,
		Notifier: &chatNotifier{
			transport: d.transport,
			messages:  messages,
			title:     mergedTitle,
			logger:    base.With().Str("component", "notifier").Logger(),
		},
	}, session.Config{EncodeTimeout: cfg.EncodeTimeout()})

	d.reaper = session.NewReaper(d.machine, cfg.InactivityTimeout(), cfg.ReapInterval())
	d.router = NewRouter(d.machine, d.transport, messages, 30*time.Second, base)

	if cfg.Health.Enabled {
		d.health = health.NewServer(health.Options{
			Host:    cfg.Health.Host,
			Port:    cfg.Health.Port,
			Metrics: true,
		}, base)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, base.With().Str("component", "lifecycle").Logger())
	d.eventLoop = NewEventLoop(d)

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("version", d.version).Msg("Starting mixdown daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Sessions do not survive a restart; neither do their files.
	if removed, err := d.store.Purge(); err != nil {
		logger.Warn().Err(err).Msg("Failed to purge stale assets")
	} else if removed > 0 {
		logger.Info().Int("users", removed).Msg("Purged assets left by a previous run")
	}

	for _, st := range d.toolchain.Check() {
		if !st.Available {
			logger.Warn().Str("tool", st.Name).Str("detail", st.Detail).Msg("Encoder tool unavailable, jobs will fail")
		}
	}

	if d.health != nil {
		if err := d.health.Start(); err != nil {
			d.abortStart()
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	if err := d.reaper.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start session reaper: %w", err)
	}

	cmdCtx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	if err := d.transport.SetCommands(cmdCtx, botCommands); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish command menu")
	}
	cancel()

	if err := d.transport.Start(d.router.HandleUpdate); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start telegram bot: %w", err)
	}
	logger.Info().Msg("Telegram bot started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")

	return nil
}

// abortStart undoes a partial Start.
func (d *Daemon) abortStart() {
	_ = d.reaper.Stop()
	if d.health != nil {
		_ = d.health.Stop(context.Background())
	}
	_ = d.lifecycle.Stop()
	d.setStopped()
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping mixdown daemon")

	// Stop intake first so nothing new reaches the lanes.
	if err := d.transport.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop telegram bot")
	}

	if d.reaper.IsRunning() {
		if err := d.reaper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session reaper")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := d.machine.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to cancel running jobs")
	}
	cancel()

	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	replies := make(chan struct{})
	go func() {
		d.router.Wait()
		close(replies)
	}()
	select {
	case <-replies:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for pending replies")
	}

	if d.health != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.health.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop health server")
		}
		cancel()
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracer = nil
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.machine.Registry().Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetMachine returns the session state machine
func (d *Daemon) GetMachine() *session.Machine {
	return d.machine
}

// GetRouter returns the update router
func (d *Daemon) GetRouter() *Router {
	return d.router
}

// HealthAddr returns the bound liveness address, or "" when disabled.
func (d *Daemon) HealthAddr() string {
	if d.health == nil {
		return ""
	}
	return d.health.Addr()
}
