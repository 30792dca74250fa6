package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drawbridge-app/drawbridge/api"
	"github.com/drawbridge-app/drawbridge/internal/config"
	"github.com/drawbridge-app/drawbridge/internal/identity"
	"github.com/drawbridge-app/drawbridge/internal/redisdb"
	"github.com/drawbridge-app/drawbridge/internal/slogging"
	"github.com/drawbridge-app/drawbridge/internal/telemetry"
)

func main() {
	configFile, generateConfig, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	if generateConfig {
		if err := config.GenerateExampleConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate example config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := initLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}

	logger.Info("Server gracefully stopped")
	_ = logger.Close()
}

func initLogging(cfg *config.Config) error {
	return slogging.Initialize(slogging.Config{
		Level:                       slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:                       cfg.Logging.IsDev,
		LogDir:                      cfg.Logging.LogDir,
		MaxAgeDays:                  cfg.Logging.MaxAgeDays,
		MaxSizeMB:                   cfg.Logging.MaxSizeMB,
		MaxBackups:                  cfg.Logging.MaxBackups,
		AlsoLogToConsole:            cfg.Logging.AlsoLogToConsole,
		SuppressUnauthenticatedLogs: cfg.Logging.SuppressUnauthenticatedLogs,
	})
}

func run(cfg *config.Config, logger *slogging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry providers; everything downstream tolerates a nil service.
	var telemetrySvc *telemetry.Service
	if cfg.Telemetry.Enabled {
		svc, err := telemetry.NewService(&telemetry.Config{
			ServiceName:       cfg.Telemetry.ServiceName,
			ServiceVersion:    cfg.Telemetry.ServiceVersion,
			Environment:       cfg.Telemetry.Environment,
			TracingEnabled:    cfg.Telemetry.TracingEnabled,
			TracingSampleRate: cfg.Telemetry.TracingSampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		telemetrySvc = svc
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetrySvc.Shutdown(shutdownCtx); err != nil {
				logger.Error("Telemetry shutdown error: %v", err)
			}
		}()
	}
	collabTelemetry := telemetry.FromService(telemetrySvc)

	// Redis backs the edit outbox; the server runs without it when disabled.
	var rdb *redisdb.RedisDB
	var outbox *api.EditOutbox
	if cfg.Outbox.Enabled {
		db, err := redisdb.NewRedisDB(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		rdb = db
		defer func() {
			rdb.LogStats()
			if err := rdb.Close(); err != nil {
				logger.Error("Redis close error: %v", err)
			}
		}()
		if cfg.Telemetry.Enabled {
			if err := rdb.InstrumentTelemetry(); err != nil {
				logger.Warn("Redis telemetry instrumentation failed: %v", err)
			}
		}
		outbox = api.NewEditOutbox(rdb.GetClient(), cfg.Outbox, collabTelemetry)
	}

	validator, err := identity.NewValidator(cfg.Auth.JWT.Secret, cfg.Auth.JWT.SigningMethod)
	if err != nil {
		return fmt.Errorf("failed to initialize token validator: %w", err)
	}
	authMiddleware := identity.NewMiddleware(validator)

	hubOpts := api.RoomHubOptions{
		Tuning:    api.TuningFromConfig(cfg),
		Telemetry: collabTelemetry,
		WSLogging: slogging.WebSocketLoggingConfig{
			Enabled:        cfg.Logging.LogWebSocketMsg,
			RedactTokens:   cfg.Logging.RedactAuthTokens,
			MaxMessageSize: 1024,
			OnlyDebugLevel: true,
		},
	}
	if outbox != nil {
		hubOpts.Outbox = outbox
	}
	hub := api.NewRoomHub(hubOpts)

	var pinger api.HealthPinger
	if rdb != nil {
		pinger = rdb
	}
	handlers := api.NewRoomHandlers(hub, pinger)

	router := setupRouter(cfg, handlers, authMiddleware, telemetrySvc)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Interface, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting server on %s (tls=%t)", addr, cfg.Server.TLSEnabled)
		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hub.StartCleanupTimer(gctx)
		return nil
	})

	g.Go(func() error {
		hub.StartPresenceSweeper(gctx)
		return nil
	})

	if outbox != nil {
		g.Go(func() error {
			return outbox.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// Rooms close after the HTTP listener so in-flight upgrades are not
	// racing the teardown.
	hub.Shutdown()

	return err
}

func setupRouter(cfg *config.Config, handlers *api.RoomHandlers, authMiddleware *identity.Middleware, telemetrySvc *telemetry.Service) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(slogging.LoggerMiddleware())
	r.Use(slogging.Recoverer())
	r.Use(api.SecurityHeaders(cfg.Logging.IsDev, cfg.Server.TLSEnabled))
	r.Use(api.CORS())
	r.Use(api.ContextTimeout(30 * time.Second))

	r.GET("/healthz", handlers.Healthz)
	if telemetrySvc != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(telemetrySvc.GetRegistry(), promhttp.HandlerOpts{})))
	}

	authenticated := r.Group("", authMiddleware.AuthRequired())
	handlers.RegisterRoutes(authenticated)

	return r
}
