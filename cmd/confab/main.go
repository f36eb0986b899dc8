package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/services"
	httphandlers "confab/internal/handlers/http"
	"confab/internal/infrastructure/distributed"
	"confab/internal/infrastructure/middleware"
	"confab/internal/infrastructure/monitoring"
	"confab/internal/infrastructure/repositories"
	signalserver "confab/internal/infrastructure/signal"
	webrtcinfra "confab/internal/infrastructure/webrtc"
	"confab/pkg/config"
	"confab/pkg/logger"
	"confab/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/confab/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	if p := os.Getenv("CONFAB_CONFIG"); p != "" {
		cfg, err := config.Load(p)
		return cfg, p, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		logger.New("info").Sugar().Fatalw("invalid configuration", "path", path, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Infow("no config file found, using defaults")
	}

	if err := run(cfg, log); err != nil {
		log.Fatalw("confab stopped with error", "error", err)
	}
	log.Info("confab stopped")
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("CONFAB_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	instanceID := domain.NewID()
	log = log.With("instance_id", instanceID)

	repoFactory := repositories.NewRepositoryFactory(cfg, instanceID, log)
	defer repoFactory.Close()
	presence, runPresence := repoFactory.CreatePresenceRegistry()

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	engine, err := webrtcinfra.NewEngine(webrtcinfra.ConfigFromSettings(cfg), log.Named("engine"))
	if err != nil {
		return err
	}
	pool := services.NewWorkerPool(engine, services.WorkerPoolConfig{
		MaxWorkers:         cfg.Workers.Max,
		ReplacementDelay:   cfg.Workers.ReplacementDelay,
		ReplacementRetries: cfg.Workers.ReplacementRetries,
	}, metrics, log.Named("workers"))
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Close()

	registry := services.NewRoomRegistry(pool, metrics, log.Named("rooms"))
	media := services.NewMediaService(services.MediaServiceConfig{
		MaxPeersPerRoom: cfg.Rooms.MaxPeers,
	}, registry, pool, presence, metrics, log.Named("media"))
	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour)

	hub := signalserver.NewHub(log.Named("hub"))
	sigServer := signalserver.NewServer(signalserver.Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MessagesPerSecond: wsRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
	}, media, auth, hub, metrics, log.Named("signal"))
	pool.OnWorkerDied(func(id domain.WorkerID) {
		sigServer.HandleWorkerDeath(context.Background(), id)
	})

	checker := monitoring.NewHealthChecker()
	checker.AddRedisCheck(repoFactory.RedisClient(), 2*time.Second)
	checker.AddWorkerCheck(pool.LiveWorkers)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(cfg.Signal.Path, cfg.Monitoring.MetricsPath),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	monitoring.NewHealthHandler(checker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	router.GET(cfg.Signal.Path, gin.WrapF(sigServer.HandleWebSocket))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(auth), middleware.RequireModerator())
	httphandlers.NewAdminHandler(media, sigServer, log.Named("admin")).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("starting confab server", "address", cfg.Server.Address, "signal_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if runPresence != nil {
		g.Go(func() error { return runPresence(gctx) })
	}

	if cfg.Bus.Enabled {
		if client := repoFactory.RedisClient(); client != nil {
			bus := distributed.NewEventBus(client, cfg.Bus.Topic, hub, metrics, log.Named("bus"))
			g.Go(func() error {
				if err := bus.Run(gctx); err != nil {
					log.Errorw("event bus stopped", "topic", cfg.Bus.Topic, "error", err)
				}
				return nil
			})
		} else {
			log.Warnw("event bus enabled but redis is unavailable, bus disabled")
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down confab server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := sigServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("signaling connections did not drain", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			srv.Close()
		}
		if err := presence.Cleanup(shutdownCtx); err != nil {
			log.Warnw("failed to clean up presence", "error", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}
