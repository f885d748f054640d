package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	mhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yabe-ex/grandpay-gateway/internal/checkout"
	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/config"
	"github.com/yabe-ex/grandpay-gateway/internal/events"
	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
	"github.com/yabe-ex/grandpay-gateway/internal/health"
	"github.com/yabe-ex/grandpay-gateway/internal/notify"
	"github.com/yabe-ex/grandpay-gateway/internal/obs"
	"github.com/yabe-ex/grandpay-gateway/internal/reconcile"
	"github.com/yabe-ex/grandpay-gateway/internal/resilience"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
	"github.com/yabe-ex/grandpay-gateway/internal/settings"
	"github.com/yabe-ex/grandpay-gateway/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "grandpay")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "grandpay-gateway",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "grandpay-gateway"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	db := store.NewPostgres(pool)

	settingsStore := &settings.Store{
		Pool: pool,
		Defaults: grandpay.Credentials{
			TenantKey:     cfg.GrandPayTenantKey,
			ClientID:      cfg.GrandPayClientID,
			ClientSecret:  cfg.GrandPayClientSecret,
			WebhookSecret: cfg.GrandPayWebhookSecret,
			TestMode:      cfg.GrandPayTestMode,
		},
	}

	providerHTTP := &resilience.HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.GrandPayTimeout,
		},
		Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second),
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: 3,
		Jitter:      0.2,
		Timeout:     cfg.GrandPayTimeout,
	}
	provider := grandpay.NewClient(cfg.GrandPayBaseURL, settingsStore, providerHTTP, logger)

	signer := &session.Signer{
		Secret: []byte(cfg.CorrelationSecret),
		TTL:    cfg.CorrelationTTL,
	}
	creator := &session.Creator{
		API:           provider,
		Tokens:        signer,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	}

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

	checkoutService := &checkout.Service{
		Store:    db,
		Creator:  creator,
		Events:   bus,
		Validate: validator.New(),
		Currency: cfg.CurrencyCode,
		Logger:   logger,
	}
	checkoutHandler := checkout.Handler{Service: checkoutService, Store: db, Logger: logger}

	engine := &reconcile.Engine{
		Store:         db,
		Poller:        provider,
		Tokens:        signer,
		Events:        bus,
		Logger:        logger,
		ResolveWindow: cfg.ResolveWindow,
	}
	redirectHandler := reconcile.RedirectHandler{
		Engine:      engine,
		CompleteURL: cfg.CompletePageURL,
		CheckoutURL: cfg.CheckoutPageURL,
		ErrorURL:    cfg.ErrorPageURL,
		Logger:      logger,
	}
	webhookHandler := reconcile.WebhookHandler{
		Engine:    engine,
		Secrets:   settingsStore,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    logger,
	}

	settingsHandler := settings.Handler{
		Store:      settingsStore,
		Invalidate: provider,
		Validate:   validator.New(),
		Logger:     logger,
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	callbackLimiter, err := newCallbackLimiter(redisClient, cfg.CallbackRate)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	pprofEnabled := envBool("OBS_ENABLE_PPROF", false)
	if pprofEnabled {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	// Provider-facing endpoints. Both are rate limited; the webhook is
	// additionally signature-verified inside the handler.
	r.Group(func(pub chi.Router) {
		pub.Use(callbackLimiter.Handler)
		pub.Get(session.CallbackPath, redirectHandler.Handle)
		pub.Post("/webhooks/grandpay", webhookHandler.Handle)
	})

	r.Route("/api/v1", func(v chi.Router) {
		v.With(idem.Middleware).Post("/checkout", checkoutHandler.Create)
		v.Get("/orders/{orderRef}/payment", checkoutHandler.Payment)

		v.Route("/admin", func(a chi.Router) {
			a.Use(settings.RequireAdminKey(cfg.AdminKeyHash))
			a.Get("/settings/grandpay", settingsHandler.Get)
			a.Put("/settings/grandpay", settingsHandler.Put)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func newCallbackLimiter(client *redis.Client, format string) (*mhttp.Middleware, error) {
	rate, err := limiter.NewRateFromFormatted(format)
	if err != nil {
		return nil, err
	}
	rlStore, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "rl:callback"})
	if err != nil {
		return nil, err
	}
	return mhttp.NewMiddleware(limiter.New(rlStore, rate)), nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	return mux
}

func protectPprof(next http.Handler, user, pass string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user == "" || pass == "" {
			http.NotFound(w, r)
			return
		}
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallbackMillis int) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return time.Duration(fallbackMillis) * time.Millisecond
}
