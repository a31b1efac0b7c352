package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	httphandlers "camrelay/internal/handlers/http"
	devicebackup "camrelay/internal/infrastructure/backup"
	"camrelay/internal/infrastructure/camera/gstreamer"
	"camrelay/internal/infrastructure/camera/rtspprobe"
	"camrelay/internal/infrastructure/delivery"
	"camrelay/internal/infrastructure/distributed"
	"camrelay/internal/infrastructure/loadbalancer"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/processing"
	"camrelay/internal/infrastructure/reliability"
	"camrelay/internal/infrastructure/repositories"
	webrtcinfra "camrelay/internal/infrastructure/webrtc"
	"camrelay/pkg/backup"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/config"
	dlock "camrelay/pkg/distributed"
	"camrelay/pkg/logger"
	"camrelay/pkg/retry"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// backupVersion tags device snapshots written by this build.
const backupVersion = "1"

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("camrelay stopped with error", "error", err)
	}
	log.Info("camrelay stopped")
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "camrelay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("Error closing repository factory", "error", err)
		}
	}()
	deviceRepo := repoFactory.CreateDeviceRepository()
	userRepo := repoFactory.CreateUserRepository()

	instanceID := cfg.Cluster.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	resolver := reliability.NewDeviceResolver(
		deviceRepo,
		retry.Config{
			Enabled:      true,
			MaxAttempts:  cfg.Resolver.MaxAttempts,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		circuitbreaker.Config{
			FailureThreshold: cfg.Resolver.BreakerFailures,
			SuccessThreshold: 1,
			Timeout:          cfg.Resolver.BreakerTimeout,
		},
		cfg.Resolver.CacheTTL,
		log.With("component", "resolver"),
	)
	defer resolver.Close()

	// Observers: metrics always, the cluster event bus when enabled.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)
	observers := monitoring.Observers{collector}

	var (
		eventBus *distributed.EventBus
		lease    ports.CameraLease
	)
	if cfg.Cluster.Enabled {
		client := repoFactory.RedisClient()
		if client == nil {
			return errors.New("cluster mode needs a reachable redis")
		}
		eventBus = distributed.NewEventBus(client, instanceID, cfg.Cluster.EventQueue, log.With("component", "events"))
		observers = append(observers, eventBus)
		locks := dlock.NewLockManager(client, "camrelay:lease:", instanceID)
		lease = distributed.NewCameraLease(locks, cfg.Cluster.LeaseTTL, log.With("component", "lease"))
		log.Infow("Cluster mode enabled", "instance_id", instanceID)
	}

	processor, closeProcessor, err := buildProcessor(cfg, log)
	if err != nil {
		return err
	}
	defer closeProcessor()

	sessionOpts := []services.SessionOption{services.WithSessionObserver(observers)}
	if lease != nil {
		sessionOpts = append(sessionOpts, services.WithCameraLease(lease))
	}
	sources := gstreamer.NewFactory(gstreamer.FactoryConfig{
		RTSPLatency: int(cfg.Capture.RTSPLatency / time.Millisecond),
	}, log.With("component", "capture"))

	sessions := services.NewSessionRegistry(
		sources,
		processor,
		services.RegistryConfig{
			MaxSessions:    cfg.Session.MaxSessions,
			RetainTerminal: cfg.Session.RetainTerminal,
			SweepInterval:  cfg.Session.SweepInterval,
		},
		services.SessionConfig{
			Retry: retry.Config{
				Enabled:      true,
				MaxAttempts:  cfg.Session.MaxAttempts,
				InitialDelay: cfg.Session.InitialBackoff,
				MaxDelay:     cfg.Session.MaxBackoff,
				Multiplier:   cfg.Session.BackoffFactor,
			},
			ConnectTimeout: cfg.Session.ConnectTimeout,
			ReleaseTimeout: cfg.Session.ReleaseTimeout,
			StopGrace:      cfg.Session.StopGrace,
			BudgetFactor:   cfg.Session.BudgetFactor,
			EventBuffer:    64,
		},
		log,
		sessionOpts...,
	)

	streamService := services.NewStreamService(resolver, sessions, services.CaptureDefaults{
		Width:     cfg.Capture.Width,
		Height:    cfg.Capture.Height,
		FrameRate: cfg.Capture.FrameRate,
	}, log)

	onDeviceChange := func(id domain.CameraID) {
		resolver.Invalidate(id)
		if eventBus != nil {
			eventBus.PublishDeviceRemoved(id)
		}
	}
	prober := rtspprobe.New(cfg.Capture.ProbeTimeout, log.With("component", "probe"))
	deviceService := services.NewDeviceService(deviceRepo, prober, onDeviceChange, log)

	authService := services.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, log)
	for _, u := range cfg.Auth.BootstrapUsers {
		if err := authService.EnsureUser(ctx, u.Username, u.PasswordHash); err != nil {
			return fmt.Errorf("bootstrap user %s: %w", u.Username, err)
		}
	}

	peers := webrtcinfra.NewPeerFactory(webrtcConfig(cfg), func() delivery.Encoder {
		return gstreamer.NewH264Encoder(gstreamer.EncoderConfig{
			Bitrate:     cfg.Capture.EncoderBitrate,
			KeyInterval: cfg.Capture.KeyInterval,
		}, log.With("component", "encoder"))
	}, log.With("component", "webrtc"))

	health := monitoring.NewHealthChecker()
	health.AddStorageCheck(repoFactory.Backend(), repoFactory.HealthCheck, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil && repoFactory.Backend() != repositories.BackendRedis {
		health.AddRedisCheck(client, 2*time.Second, cfg.Cluster.Enabled)
	}
	health.AddBreakerCheck("device_store", resolver.BreakerState)
	health.AddCapacityCheck(sessions.ActiveCount, cfg.Session.MaxSessions)

	var metrics http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		log.Info("Prometheus metrics enabled")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	var affinity *loadbalancer.StickySessionManager
	if cfg.Cluster.Enabled {
		affinity = loadbalancer.NewStickySessionManager(cfg.Auth.JWTSecret, "", 0, instanceID)
	}

	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:   cfg,
		Auth:     authService,
		Streams:  streamService,
		Devices:  deviceService,
		Peers:    peers,
		Health:   health,
		Metrics:  metrics,
		Affinity: affinity,
		Logger:   log,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// push streams are long lived; 0 disables the write deadline
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("Starting camrelay server",
			"address", cfg.Server.Address,
			"storage", repoFactory.Backend(),
			"max_sessions", cfg.Session.MaxSessions,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Dir)
		if err != nil {
			return err
		}
		scheduler := devicebackup.NewScheduler(
			backup.NewBackupService(storage, backupVersion),
			deviceRepo,
			devicebackup.Config{
				Interval:  cfg.Backup.Interval,
				Retention: cfg.Backup.Retention,
				Keep:      cfg.Backup.Keep,
			},
			log.With("component", "backup"),
		)
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}
	if eventBus != nil {
		g.Go(func() error {
			return eventBus.Run(gctx)
		})
		g.Go(func() error {
			return eventBus.Subscribe(gctx, func(event *distributed.Event) error {
				switch event.Type {
				case distributed.EventDeviceRemoved:
					resolver.Invalidate(event.CameraID)
				case distributed.EventSessionState:
					if event.Change != nil {
						log.Debugw("Remote session changed state",
							"instance_id", event.InstanceID,
							"camera_id", event.CameraID,
							"to", event.Change.To,
						)
					}
				}
				return nil
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down camrelay server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// sessions first so push handlers return and Shutdown can finish
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Sessions did not stop cleanly", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("Error force closing server", "error", closeErr)
			}
		}
		if eventBus != nil {
			eventBus.Close()
		}
		return nil
	})

	return g.Wait()
}

// buildProcessor assembles the configured frame processors. The returned
// func releases whatever they hold.
func buildProcessor(cfg *config.Config, log *zap.SugaredLogger) (ports.FrameProcessor, func(), error) {
	var stages []ports.FrameProcessor
	cleanup := func() {}

	if cfg.Processing.Enhance.Enabled {
		stages = append(stages, processing.Enhancer{
			Width:  cfg.Processing.Enhance.Width,
			Height: cfg.Processing.Enhance.Height,
			Amount: cfg.Processing.Enhance.Amount,
		})
	}
	if cfg.Processing.Detector.Enabled {
		detector, err := processing.NewSubprocessDetector(cfg.Processing.Detector.Command, cfg.Session.JPEGQuality, log.With("component", "detector"))
		if err != nil {
			return nil, cleanup, fmt.Errorf("start detector: %w", err)
		}
		cleanup = func() {
			if err := detector.Close(); err != nil {
				log.Warnw("detector close failed", "error", err)
			}
		}
		overlay := processing.NewOverlay(detector, cfg.Processing.Detector.MinScore, log.With("component", "overlay")).
			WithTimeout(cfg.Processing.Detector.Timeout)
		stages = append(stages, overlay)
	}

	if len(stages) == 0 {
		return processing.Identity{}, cleanup, nil
	}
	log.Infow("Frame processing enabled", "stages", len(stages))
	return processing.NewChain(stages...), cleanup, nil
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	wc := webrtcinfra.Config{
		ICEServers:    iceServers,
		GatherTimeout: cfg.WebRTC.GatherTimeout,
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}
