package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	httphandlers "rillcast/internal/handlers/http"
	"rillcast/internal/infrastructure/distributed"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/internal/infrastructure/monitoring"
	repositories "rillcast/internal/infrastructure/repositories"
	rtsignal "rillcast/internal/infrastructure/signal"
	"rillcast/internal/infrastructure/streaming"
	webrtcinfra "rillcast/internal/infrastructure/webrtc"
	"rillcast/pkg/circuitbreaker"
	"rillcast/pkg/config"
	"rillcast/pkg/logger"
	"rillcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/rillcast/config.yaml",
	"config.yaml",
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the given file, or the first default path that loads.
// Without any file the defaults and environment apply.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Load("")
}

func run(cfg *config.Config) error {
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rillcast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	// Repositories and event bus
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	sessionRepo := repoFactory.CreateSessionRepository()

	var bus distributed.Bus
	if client := repoFactory.RedisClient(); client != nil {
		redisBus := distributed.NewRedisEventBus(client, instanceID, cfg.Redis.Channel, log)
		go func() {
			if err := redisBus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus stopped", "error", err)
			}
		}()
		defer redisBus.Close()
		bus = redisBus
	} else {
		bus = distributed.NewMemoryEventBus(instanceID)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	// Real-time transport
	sfu, err := webrtcinfra.NewSFUService(webrtcinfra.Config{
		ICEServers:    iceServers(cfg),
		PortMin:       cfg.WebRTC.PortRange.Min,
		PortMax:       cfg.WebRTC.PortRange.Max,
		PLIInterval:   cfg.WebRTC.PLIInterval,
		GatherTimeout: cfg.WebRTC.GatherTimeout,
	}, log.Named("sfu"))
	if err != nil {
		return fmt.Errorf("failed to create SFU: %w", err)
	}

	// Composition
	allocator := services.NewPortAllocator(services.PortAllocatorConfig{
		Min:              cfg.Relay.PortMin,
		Max:              cfg.Relay.PortMax,
		FallbackMin:      cfg.Relay.FallbackMin,
		FallbackMax:      cfg.Relay.FallbackMax,
		FallbackAttempts: cfg.Relay.FallbackAttempts,
		ProbeHost:        probeHost(cfg),
	})
	allocator.OnChange(collector.SetPortsLeased)

	spawnGuard := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Transcoder.SpawnBreaker.MaxFailures,
		SuccessThreshold: 1,
		OpenTimeout:      cfg.Transcoder.SpawnBreaker.ResetTimeout,
	})
	spawnGuard.OnStateChange(func(from, to circuitbreaker.State) {
		log.Warnw("transcoder spawn breaker changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})

	supervisor := services.NewProcessSupervisor(services.SupervisorConfig{
		Binary:      cfg.Transcoder.Binary,
		WarmupDelay: cfg.Transcoder.WarmupDelay,
		StopGrace:   cfg.Transcoder.StopGrace,
		WarnEvery:   cfg.Transcoder.WarnEvery,
	}, nil, spawnGuard, collector, log.Named("supervisor"))

	controller := services.NewRoomStreamController(services.StreamControllerConfig{
		OutputDir:     cfg.HLS.OutputDir,
		PublicBaseURL: cfg.HLS.PublicBaseURL,
		ListenIP:      cfg.Relay.ListenIP,
		StopGrace:     cfg.Transcoder.StopGrace,
	}, sfu, allocator, ffmpegArgs(cfg), supervisor, log.Named("controller"))

	watcher := streaming.NewManifestWatcher(bus, 500*time.Millisecond, log.Named("manifest"))
	defer watcher.Close()

	controller.SetRepository(sessionRepo)
	controller.SetEventPublisher(bus)
	controller.SetOutputWatcher(watcher)
	controller.SetMetrics(collector)
	sfu.SetEventHandler(controller)

	// Viewer notifications
	hub := rtsignal.NewNotifyHub(rtsignal.HubConfig{
		PingInterval:   cfg.Notify.PingInterval,
		PongTimeout:    cfg.Notify.PongTimeout,
		WriteTimeout:   cfg.Notify.WriteTimeout,
		SendBuffer:     cfg.Notify.SendBuffer,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, controller, middleware.NewConnectionLimiter(cfg), log.Named("notify"))

	unsubscribeHub := bus.Subscribe(hub.HandleEvent)
	defer unsubscribeHub()
	unsubscribeRefresh := bus.Subscribe(distributed.RefreshOnRemoteInput(instanceID, controller, 30*time.Second, log))
	defer unsubscribeRefresh()

	// Health
	health := monitoring.NewHealthChecker()
	interval := cfg.Monitoring.HealthCheckInterval
	health.AddTranscoderCheck(cfg.Transcoder.Binary, interval)
	health.AddOutputDirCheck(cfg.HLS.OutputDir, interval)
	health.AddRepositoryCheck(sessionRepo, interval, 2*time.Second)
	health.AddSpawnBreakerCheck(spawnGuard, interval)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, interval, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	// HTTP
	router := newRouter(cfg, log, zapLogger, routerDeps{
		controller: controller,
		sfu:        sfu,
		sessions:   sessionRepo,
		playlists:  watcher,
		hub:        hub,
		health:     health,
		registry:   registry,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting rillcast",
			"address", cfg.Server.Address,
			"hls_dir", cfg.HLS.OutputDir,
			"redis", repoFactory.RedisClient() != nil,
			"auth", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	hub.Close()
	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error stopping streams", "error", err)
	}
	if err := sfu.Close(); err != nil {
		log.Errorw("error closing SFU", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("rillcast stopped")
	return runErr
}

type routerDeps struct {
	controller *services.RoomStreamController
	sfu        *webrtcinfra.SFUService
	sessions   ports.SessionRepository
	playlists  httphandlers.PlaylistStatusSource
	hub        *rtsignal.NotifyHub
	health     *monitoring.HealthChecker
	registry   *prometheus.Registry
}

func newRouter(cfg *config.Config, log *zap.SugaredLogger, zapLogger *zap.Logger, deps routerDeps) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewHealthHandler(deps.health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{})))
	}
	if cfg.HLS.Serve {
		router.Static("/hls", cfg.HLS.OutputDir)
	}

	var operator, publisher gin.HandlerFunc
	if cfg.Auth.Enabled {
		authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
		operator = middleware.AuthMiddleware(authService, services.RoleOperator)
		publisher = middleware.AuthMiddleware(authService, services.RolePublisher)
	}

	api := router.Group("")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	streamHandler := httphandlers.NewStreamHandler(deps.controller, deps.sfu, deps.sfu, log.Named("http"))
	streamHandler.SetSessionRepository(deps.sessions)
	streamHandler.SetPlaylistStatus(deps.playlists)
	streamHandler.SetupRoutes(api, operator, publisher)

	router.GET("/ws/rooms/:id", deps.hub.ServeRoom)

	return router
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func probeHost(cfg *config.Config) string {
	if !cfg.Relay.ProbePorts {
		return ""
	}
	return cfg.Relay.ListenIP
}

func ffmpegArgs(cfg *config.Config) *services.FFmpegArgsBuilder {
	t := cfg.Transcoder
	return &services.FFmpegArgsBuilder{
		LogLevel: t.LogLevel,
		Canvas: services.Canvas{
			Width:     t.Width,
			Height:    t.Height,
			Framerate: t.Framerate,
		},
		Encoder: services.EncoderSettings{
			VideoCodec:       t.VideoCodec,
			Preset:           t.Preset,
			Tune:             t.Tune,
			VideoBitrate:     t.VideoBitrate,
			MaxRate:          t.MaxRate,
			BufSize:          t.BufSize,
			KeyframeInterval: t.KeyframeInterval,
			AudioCodec:       t.AudioCodec,
			AudioBitrate:     t.AudioBitrate,
			AudioSampleRate:  t.AudioSampleRate,
		},
		HLS: services.HLSSettings{
			SegmentDuration: cfg.HLS.SegmentDuration,
			PlaylistSize:    cfg.HLS.PlaylistSize,
			DeleteSegments:  cfg.HLS.DeleteSegments,
		},
	}
}
