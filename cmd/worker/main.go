package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/config"
	"github.com/yabe-ex/grandpay-gateway/internal/events"
	"github.com/yabe-ex/grandpay-gateway/internal/notify"
	"github.com/yabe-ex/grandpay-gateway/internal/obs"
	"github.com/yabe-ex/grandpay-gateway/internal/queue"
	"github.com/yabe-ex/grandpay-gateway/internal/reconcile"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
	"github.com/yabe-ex/grandpay-gateway/internal/store"
)

// The worker owns the expiry sweep: sessions stuck awaiting a result past
// their max age are moved to EXPIRED on a fixed schedule.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	db := store.NewPostgres(pool)
	bus := &events.Bus{
		Store: db,
		Notifiers: []events.Notifier{
			notify.EmailNotifier{
				Mail:    common.NopEmailSender{},
				Enabled: cfg.NotifyEmailEnabled,
				From:    cfg.NotifyEmailFrom,
			},
		},
	}
	engine := &reconcile.Engine{
		Store:         db,
		Tokens:        &session.Signer{Secret: []byte(cfg.CorrelationSecret), TTL: cfg.CorrelationTTL},
		Events:        bus,
		Logger:        logger,
		ResolveWindow: cfg.ResolveWindow,
	}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for asynq")
	}

	mux := asynq.NewServeMux()
	mux.Handle(queue.TaskSessionSweep, queue.SweepHandler{
		Engine: engine,
		MaxAge: cfg.SessionMaxAge,
		Logger: logger,
	})

	srv := asynq.NewServer(redisConn, asynq.Config{Concurrency: 1})
	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})

	interval := envOrDefault("SWEEP_INTERVAL", "@every 1m")
	if _, err := scheduler.Register(interval, queue.NewSweepTask()); err != nil {
		logger.Fatal().Err(err).Msg("register sweep schedule")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- scheduler.Run() }()
	go func() { errCh <- srv.Run(mux) }()

	logger.Info().Str("interval", interval).Msg("worker starting")
	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("worker stopped with error")
	case <-ctx.Done():
		scheduler.Shutdown()
		srv.Shutdown()
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
