package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"entity-scale/server/internal/config"
	"entity-scale/server/internal/loop"
	servernet "entity-scale/server/internal/net"
	"entity-scale/server/internal/net/ws"
	"entity-scale/server/internal/notify/amqpnotify"
	"entity-scale/server/internal/observability"
	"entity-scale/server/internal/persist"
	"entity-scale/server/internal/scale"
	"entity-scale/server/internal/sched"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
	loggingSinks "entity-scale/server/logging/sinks"
)

type Config struct {
	Logger   telemetry.Logger
	Settings config.Config
}

// server holds everything Run wires together.
type server struct {
	settings config.Config
	logger   telemetry.Logger

	router   *logging.Router
	eventLog *os.File
	registry *prometheus.Registry
	metrics  telemetry.Metrics

	backend  persist.Backend
	world    *world.World
	sched    *sched.Scheduler
	coord    *scale.Coordinator
	notifier *amqpnotify.Notifier
	loop     *loop.Loop
	handler  http.Handler

	stop     chan struct{}
	loopDone chan struct{}
}

func Run(ctx context.Context, cfg Config) error {
	s, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	s.start()

	srv := &http.Server{
		Addr:              s.settings.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.settings.Server.ReadHeaderTimeout,
	}
	s.logger.Printf("server listening on %s", srv.Addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("http shutdown: %v", err)
	}
	return errors.Join(runErr, s.shutdown(shutdownCtx))
}

func build(ctx context.Context, cfg Config) (*server, error) {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	settings := cfg.Settings.Normalized()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &server{settings: settings, logger: telemetryLogger}

	logConfig := logging.DefaultConfig()
	logConfig.EnabledSinks = settings.Logging.Sinks
	logConfig.BufferSize = settings.Logging.BufferSize
	logConfig.JSON.FilePath = settings.Logging.JSONPath
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
		"memory":  loggingSinks.NewMemorySink(),
	}
	if logConfig.HasSink("json") {
		if logConfig.JSON.FilePath == "" {
			telemetryLogger.Printf("json sink enabled without logging.jsonPath; skipping")
		} else {
			f, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open event log: %w", err)
			}
			s.eventLog = f
			sinks["json"] = loggingSinks.NewJSON(f, logConfig.JSON.FlushInterval)
		}
	}

	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		s.closeEventLog()
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	s.router = router

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = telemetry.Multi(
		telemetry.WrapMetrics(router.Metrics()),
		telemetry.NewPrometheusMetrics(settings.Observability.MetricsNamespace, s.registry),
	)

	backend, err := openBackend(ctx, settings.Store)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("open %s store: %w", settings.Store.Driver, err)
	}
	s.backend = backend

	s.world = world.New(world.Config{
		NativeScale:   settings.World.NativeScale,
		GroupCellSize: settings.World.GroupCellSize,
		Logger:        telemetryLogger,
		Metrics:       s.metrics,
	})
	restored, err := loadWorld(ctx, backend, s.world)
	if err != nil {
		s.abort()
		return nil, err
	}
	if restored > 0 {
		telemetryLogger.Printf("restored %d entities from %s store", restored, settings.Store.Driver)
	}

	store := scale.NewStore(backend)
	if err := store.Load(ctx); err != nil {
		s.abort()
		return nil, fmt.Errorf("load scale store: %w", err)
	}

	s.sched = sched.New(router.Clock())
	s.coord = scale.NewCoordinator(s.world, s.sched, store, scale.Config{
		TransitionDuration:          settings.Scale.TransitionDuration,
		HideCarriersAfterTransition: settings.Scale.HideCarriersAfterTransition,
		Logger:                      telemetryLogger,
		Metrics:                     s.metrics,
		Publisher:                   router,
	})

	if settings.Notify.AMQPURL != "" {
		notifier, err := amqpnotify.Dial(settings.Notify.AMQPURL, amqpnotify.Config{
			Exchange:   settings.Notify.Exchange,
			RoutingKey: settings.Notify.RoutingKey,
			Clock:      router.Clock(),
			Logger:     telemetryLogger,
			Metrics:    s.metrics,
		})
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		s.notifier = notifier
		s.coord.Hooks().OnScaled(notifier.Notify)
	}

	s.coord.OnRestore(ctx)

	loopCfg := loop.DefaultConfig()
	loopCfg.TickRate = settings.Loop.TickRate
	loopCfg.CatchupMaxTicks = settings.Loop.CatchupMaxTicks
	loopCfg.CommandCapacity = settings.Loop.CommandCapacity
	loopCfg.PerSourceLimit = settings.Loop.PerSourceLimit
	loopCfg.WarningStep = settings.Loop.WarningStep
	loopCfg.CheckpointInterval = settings.Store.SaveInterval
	s.loop = loop.New(loop.Deps{
		Scheduler:  s.sched,
		Replicator: s.world,
		Clock:      router.Clock(),
		Logger:     telemetryLogger,
		Metrics:    s.metrics,
	}, loopCfg, loop.Hooks{
		Checkpoint: s.checkpoint,
		OnQueueWarning: func(length int) {
			telemetryLogger.Printf("command queue length %d", length)
		},
	})

	wsHandler := ws.NewHandler(s.world, s.loop, ws.HandlerConfig{
		Logger:       telemetryLogger,
		Publisher:    router,
		WriteTimeout: 5 * time.Second,
	})
	s.handler = servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Loop:        s.loop,
		World:       s.world,
		Coordinator: s.coord,
		RouterStats: router.Stats,
		Gatherer:    s.registry,
		WebSocket:   wsHandler.Handle,
		TickRate:    settings.Loop.TickRate,
		AfterReset: func(ctx context.Context) error {
			return saveWorld(ctx, s.backend, s.world)
		},
		Logger: telemetryLogger,
		Observability: observability.Config{
			EnablePprofTrace: settings.Observability.EnablePprofTrace,
		},
	})
	return s, nil
}

func (s *server) start() {
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		s.loop.Run(s.stop)
	}()
}

// checkpoint runs on the loop goroutine every save interval.
func (s *server) checkpoint(ctx context.Context, _ time.Time) {
	if err := saveWorld(ctx, s.backend, s.world); err != nil {
		s.logger.Printf("checkpoint: %v", err)
	}
	if err := s.coord.OnServerSave(ctx); err != nil {
		s.logger.Printf("checkpoint: %v", err)
	}
}

// shutdown stops the loop, then saves and releases everything build opened.
func (s *server) shutdown(ctx context.Context) error {
	if s.stop != nil {
		close(s.stop)
		<-s.loopDone
		s.stop = nil
	}
	s.loop.DrainCommands()

	var errs []error
	if err := saveWorld(ctx, s.backend, s.world); err != nil {
		errs = append(errs, err)
	}
	if err := s.coord.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.router.Close(ctx); err != nil {
		s.logger.Printf("failed to close logging router: %v", err)
	}
	s.closeEventLog()
	return errors.Join(errs...)
}

// abort releases what build opened before it failed.
func (s *server) abort() {
	if s.backend != nil {
		_ = s.backend.Close()
	}
	if s.router != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.router.Close(ctx)
		cancel()
	}
	s.closeEventLog()
}

func (s *server) closeEventLog() {
	if s.eventLog == nil {
		return
	}
	if err := s.eventLog.Close(); err != nil {
		s.logger.Printf("close event log: %v", err)
	}
	s.eventLog = nil
}
