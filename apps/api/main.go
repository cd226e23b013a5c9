package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/contracts"
	entitlementshandler "github.com/zenGate-Global/palmyra-entitlements/domains/entitlements/be/handler"
	subscriptionshandler "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/handler"
	usagehandler "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/handler"
	webhookshandler "github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/handler"
	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	platformmiddleware "github.com/zenGate-Global/palmyra-entitlements/platform/go/middleware"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL         string `env:"DATABASE_URL"`
	DatabaseSchema      string `env:"DATABASE_SCHEMA" envDefault:"entitlements"`
	DatabaseAutoMigrate bool   `env:"DATABASE_AUTO_MIGRATE" envDefault:"false"`
	RedisURL            string `env:"REDIS_URL"`

	SubscriptionBackend string `env:"SUBSCRIPTION_BACKEND" envDefault:"postgres"` // postgres | memory
	CounterBackend      string `env:"COUNTER_BACKEND" envDefault:"postgres"`      // postgres | redis | memory
	DedupBackend        string `env:"DEDUP_BACKEND" envDefault:"postgres"`        // postgres | redis | memory
	LockBackend         string `env:"LOCK_BACKEND" envDefault:"memory"`           // memory | redis

	LockTTL              time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	DedupWindow          time.Duration `env:"DEDUP_WINDOW" envDefault:"168h"`
	DedupPruneInterval   time.Duration `env:"DEDUP_PRUNE_INTERVAL" envDefault:"1h"`
	IngestMaxAttempts    int           `env:"INGEST_MAX_ATTEMPTS" envDefault:"5"`
	IngestInitialBackoff time.Duration `env:"INGEST_INITIAL_BACKOFF" envDefault:"20ms"`
	IngestMaxBackoff     time.Duration `env:"INGEST_MAX_BACKOFF" envDefault:"500ms"`

	EntitlementCacheTTL time.Duration `env:"ENTITLEMENT_CACHE_TTL" envDefault:"0s"`
	PlanCatalogFile     string        `env:"PLAN_CATALOG_FILE"`

	AuthProvider            string `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | dev
	FirebaseProjectID       string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`

	WebhookSecret       string  `env:"WEBHOOK_SECRET"`
	StripeWebhookSecret string  `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookRateLimit    float64 `env:"WEBHOOK_RATE_LIMIT" envDefault:"50"`
	WebhookRateBurst    int     `env:"WEBHOOK_RATE_BURST" envDefault:"100"`
	WebhookMaxBodyBytes int64   `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "entitlements-api",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wire application", zap.Error(err))
	}
	defer app.Close()

	entitlementsHTTPHandler := entitlementshandler.New(app.evaluator, logger)
	subscriptionsHTTPHandler := subscriptionshandler.New(app.subscriptions, logger)
	usageHTTPHandler := usagehandler.New(app.usage, app.catalog, app.audit, logger)
	webhooksHTTPHandler, err := webhookshandler.New(app.webhooks, logger, webhookshandler.Config{
		MarketplaceSecret: cfg.WebhookSecret,
		StripeSecret:      cfg.StripeWebhookSecret,
		RateLimit:         cfg.WebhookRateLimit,
		RateBurst:         cfg.WebhookRateBurst,
		MaxBodyBytes:      cfg.WebhookMaxBodyBytes,
	})
	if err != nil {
		logger.Fatal("init webhook handler", zap.Error(err))
	}

	authMiddleware := buildAuthMiddleware(ctx, cfg, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		app.metrics.HTTPMiddleware,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.Ready(r.Context()); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Method(http.MethodGet, "/metrics", app.metrics.Handler())

	// ---- Swagger UI + OpenAPI JSON (public) ----
	registerDocsRoutes(rootRouter, logger)

	// Providers authenticate by signature, not by bearer token.
	webhooksHTTPHandler.Routes(rootRouter)

	apiRouter := chi.NewRouter()
	apiRouter.Use(authMiddleware)
	apiRouter.Use(platformmiddleware.RequestTrace)
	apiRouter.Use(platformauth.RequireUser)
	apiRouter.Use(mustNewSpecValidator(logger))

	apiRouter.Group(func(r chi.Router) {
		entitlementsHTTPHandler.Routes(r)
		subscriptionsHTTPHandler.Routes(r)
	})

	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireRole(platformauth.RoleAdmin))
		subscriptionsHTTPHandler.AdminRoutes(r)
		usageHTTPHandler.AdminRoutes(r)
		webhooksHTTPHandler.AdminRoutes(r)
	})

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go app.pruneLoop(runCtx, cfg.DedupPruneInterval)

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// mustNewSpecValidator loads the embedded contract and builds the request validator used by
// every authenticated route.
func mustNewSpecValidator(logger *zap.Logger) func(http.Handler) http.Handler {
	spec, err := contracts.GetEntitlementsSwagger()
	if err != nil {
		logger.Fatal("load entitlements contract", zap.Error(err))
	}
	logSecuritySchemes(logger, spec)

	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: platformmiddleware.ValidateAuthenticationViaSwagger,
		},
	})
}

func logSecuritySchemes(logger *zap.Logger, spec *openapi3.T) {
	names := make([]string, 0, len(spec.Components.SecuritySchemes))
	for name := range spec.Components.SecuritySchemes {
		names = append(names, name)
	}
	logger.Info("loaded security schemes", zap.Strings("names", names))
}
