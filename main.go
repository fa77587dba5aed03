package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/auth"
	"github.com/campusgate/attendance-portal/internal/camera"
	"github.com/campusgate/attendance-portal/internal/config"
	"github.com/campusgate/attendance-portal/internal/db"
	"github.com/campusgate/attendance-portal/internal/faceapi"
	"github.com/campusgate/attendance-portal/internal/guard"
	"github.com/campusgate/attendance-portal/internal/jobs"
	"github.com/campusgate/attendance-portal/internal/logging"
	"github.com/campusgate/attendance-portal/internal/middleware"
	"github.com/campusgate/attendance-portal/internal/portal"
	"github.com/campusgate/attendance-portal/internal/profile"
	"github.com/campusgate/attendance-portal/internal/session"
	"github.com/campusgate/attendance-portal/internal/telemetry"
)

var version = "dev"

func main() {
	_ = godotenv.Load(".env.local")

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("portal stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	gdb, err := db.Connect(cfg.DatabaseURL, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	if err := auth.Init(gdb); err != nil {
		return err
	}

	svc := auth.NewService(gdb, auth.Options{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		SessionTTL: cfg.SessionTTL,
		Logger:     logger.Named("auth"),
	})
	resolver := profile.NewResolver(svc, 500*time.Millisecond, logger.Named("profile"))

	var storage session.Storage = session.NewMemoryStorage()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		storage = session.NewRedisStorage(rdb)
		logger.Info("persisting client sessions in redis", zap.String("addr", cfg.RedisAddr))
	}

	table, err := guard.LoadTableFile(cfg.RoutesFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := portal.NewMetrics(reg)

	hub := camera.NewHub(logger.Named("camera"))
	faces := faceapi.NewClient(cfg.FaceAPIURL, cfg.FaceAPIKey, cfg.FaceAPITimeout, logger.Named("faceapi"))

	var server *portal.Server
	registry := portal.NewRegistry(portal.RegistryDeps{
		Backend:  svc,
		Resolver: resolver,
		Storage:  storage,
		Camera:   hub,
		Verifier: faces,
		Profiles: svc,
		IdleTTL:  cfg.ClientIdleTTL,
		Metrics:  metrics,
		Logger:   logger.Named("portal"),
		OnEvict:  func(id string) { server.Forget(id) },
	})
	defer registry.CloseAll()

	server = portal.NewServer(portal.Options{
		Table:        table,
		Guard:        guard.New(guard.VerificationPolicy{Enabled: cfg.VerificationEnabled}, logger.Named("guard")),
		Registry:     registry,
		Camera:       hub,
		CookieSecret: []byte(cfg.ClientCookieSecret),
		SecureCookie: !cfg.Development(),
		GateWait:     cfg.GateWait,
		LoginRate:    cfg.LoginRate,
		VerifyRate:   cfg.VerifyRate,
		Metrics:      metrics,
		Gatherer:     reg,
		Health: func(ctx context.Context) error {
			if err := db.Ping(gdb); err != nil {
				return err
			}
			if rdb != nil {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			if cfg.VerificationEnabled {
				if err := faces.HealthCheck(ctx); err != nil {
					return fmt.Errorf("face api: %w", err)
				}
			}
			return nil
		},
		Logger: logger.Named("portal"),
	})

	sweeper, err := jobs.NewSweeper(cfg.SweepSchedule, svc, registry, logger.Named("sweeper"))
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger(logger.Named("http"), "/health", "/metrics"))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	r.Mount("/auth", auth.NewHandlers(svc, !cfg.Development()).SetupRoutes())
	r.Mount("/", server.SetupRoutes())

	srv := &http.Server{
		Addr:              net.JoinHostPort("0.0.0.0", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("portal listening", zap.String("addr", srv.Addr), zap.Bool("verification_enabled", cfg.VerificationEnabled))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
