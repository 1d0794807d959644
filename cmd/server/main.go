package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peer-chat/internal/chat"
	"peer-chat/internal/config"
	"peer-chat/internal/db"
	"peer-chat/internal/identity"
	"peer-chat/internal/metrics"
	myMiddleware "peer-chat/internal/middleware"
	"peer-chat/internal/throttle"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const startupRetries = 5

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until a signal arrives and reports the
// combined shutdown error.
func run() (err error) {
	// 1. Configuration & Logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Session ledger sinks (optional)
	var (
		store  chat.SessionStore
		reader chat.SessionReader
		mirror chat.EventMirror
	)
	if cfg.DBDSN != "" {
		database, dbErr := db.NewDatabase(ctx, cfg.DBDSN, log.With("component", "db"))
		if dbErr != nil {
			return fmt.Errorf("failed to connect to DB: %w", dbErr)
		}
		defer func() {
			log.Info("Closing PostgreSQL...")
			err = multierr.Append(err, database.Close())
		}()
		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		log.Info("Connected to PostgreSQL, session ledger enabled")
		repo := chat.NewRepository(database.Conn)
		store, reader = repo, repo
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			log.Info("Closing Redis...")
			err = multierr.Append(err, redisClient.Close())
		}()
		ping := func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		retryable := func(error) bool { return ctx.Err() == nil }
		if err := throttle.Retry(ctx, startupRetries, throttle.ClockSleep(clock.New()),
			throttle.DefaultPolicy().Delay, retryable, ping); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("Connected to Redis, session events mirrored", "prefix", cfg.RedisPrefix)
		mirror = chat.NewRedisMirror(redisClient, cfg.RedisPrefix)
	}

	// 4. Core components
	gate, err := throttle.New(cfg.Throttle(), log.With("component", "throttle"), throttle.WithMetrics(m))
	if err != nil {
		return err
	}
	ledger := chat.NewSessionLog(log.With("component", "ledger"), store, mirror,
		chat.NewPseudonymizer(cfg.JWTSecret), cfg.LedgerBuffer, m)
	hub := chat.NewHub(log.With("component", "hub"), ledger, m)
	chatHandler := chat.NewHandler(hub, gate, reader, cfg.Origins(), chat.ClientConfig{
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: int64(cfg.MaxMessageSize),
	}, log.With("component", "chat"))
	authMiddleware := myMiddleware.NewAuthMiddleware(identity.NewGuard(cfg.JWTSecret), log.With("component", "auth"))

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-hub.Done():
			http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		default:
			w.Write([]byte("ok"))
		}
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", chatHandler.ServeWs)
		r.Get("/api/availability", chatHandler.Availability)
		r.Get("/api/sessions", chatHandler.Sessions)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	// 6. Run until a signal or a component failure
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return ledger.Run(gctx) })
	g.Go(func() error {
		log.Info("Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Program stopped", slog.Any("error", err))
	return err
}
