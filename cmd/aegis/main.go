package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/schoolworks/aegis/pkg/accounts"
	"github.com/schoolworks/aegis/pkg/anomaly"
	"github.com/schoolworks/aegis/pkg/api"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/config"
	"github.com/schoolworks/aegis/pkg/credentials"
	"github.com/schoolworks/aegis/pkg/investigations"
	"github.com/schoolworks/aegis/pkg/middleware"
	"github.com/schoolworks/aegis/pkg/notify"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/sessions"
	"github.com/schoolworks/aegis/pkg/storage/postgres"
	"github.com/schoolworks/aegis/pkg/tenants"
	"github.com/schoolworks/aegis/pkg/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)
	logger.Info("Starting Aegis identity service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := postgres.Connect(ctx, postgres.ConnectionConfig{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, config.MinimumSchemaVersion)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	db := conn.DB()
	caps := conn.Capabilities()
	logger.Infof("Connected to database, schema version %d", caps.SchemaVersion)

	// Redis is only used for login rate limiting; the service runs without
	// it, just unthrottled.
	redisClient := newRedisClient(cfg, logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	denylist, err := credentials.NewDenylist(cfg.Password.DenylistPath)
	if err != nil {
		logger.WithError(err).Error("Failed to load password denylist")
		os.Exit(1)
	}
	go func() {
		defer observability.RecoverPanic(logger, "denylist watcher")
		if err := denylist.Watch(ctx, logger); err != nil {
			logger.WithError(err).Warn("Denylist watcher stopped")
		}
	}()

	policy := credentials.DefaultPolicy()
	if cfg.Password.MinLength > 0 {
		policy.MinLength = cfg.Password.MinLength
	}
	if cfg.Password.MaxLength > 0 {
		policy.MaxLength = cfg.Password.MaxLength
	}

	hasher := credentials.NewHasher()
	signer := tokens.NewJWTSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.AccessTokenTTL)

	sessionStore := sessions.NewStore(conn)
	sessionRegistry := sessions.NewRegistry(sessionStore, cfg.Auth.SessionTTL, metrics)

	tokenStore := tokens.NewStore(db)
	tokenService := tokens.NewService(tokenStore, signer, cfg.Auth.RefreshTokenTTL, sessionRegistry, metrics)

	auditStore := audit.NewStore(db)
	auditLog := audit.NewLog(auditStore, logger, metrics)

	permissionStore := permissions.NewStore(db)
	resolver := permissions.NewResolver(permissionStore, metrics)

	accountStore := accounts.NewStore(db)
	tenantStore := tenants.NewStore(db)

	accountService, err := accounts.NewService(
		accountStore,
		hasher,
		policy,
		denylist,
		tokenService,
		sessionRegistry,
		auditLog,
		tenantStore,
		notify.NewLogDispatcher(logger),
		logger,
		metrics,
		cfg.Auth.TemporaryPasswordLen,
	)
	if err != nil {
		logger.WithError(err).Error("Failed to build account service")
		os.Exit(1)
	}

	detector := anomaly.NewDetector(accountStore, sessionStore, auditStore, anomaly.DefaultThresholds(), metrics)

	caseStore := investigations.NewStore(db)
	caseManager := investigations.NewManager(caseStore, auditLog, auditStore, caps, logger, metrics)

	authMiddleware := middleware.NewAuth(tokenService, logger)
	guard := middleware.NewGuard(resolver)

	var loginLimit *middleware.RateLimiter
	if redisClient != nil {
		loginLimit = middleware.NewRateLimiter(redisClient, middleware.RateLimitConfig{
			Requests: cfg.Auth.LoginRatePerMinute,
			Window:   cfg.Auth.LoginRateWindow,
			Prefix:   "ratelimit:login",
		}, logger, metrics)
	}

	apiServer := api.NewServer(api.Deps{
		Accounts:       accountService,
		Tokens:         tokenService,
		Sessions:       sessionRegistry,
		Permissions:    resolver,
		Audit:          auditLog,
		Anomaly:        detector,
		Investigations: caseManager,
		Conn:           conn,

		Auth:       authMiddleware,
		Guard:      guard,
		LoginLimit: loginLimit,
		Logger:     logger,
		Metrics:    metrics,
	})

	health := observability.NewHealthChecker(db, redisClient)

	root := http.NewServeMux()
	root.HandleFunc("/livez", health.Liveness)
	root.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		root.Handle("/metrics", observability.Handler(registry))
	}
	root.Handle("/", apiServer)

	var handler http.Handler = root
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(root, "aegis")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return conn.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if providers != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
	}

	go func() {
		logger.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newRedisClient(cfg *config.Config, logger *observability.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		logger.Warn("Redis not configured, login rate limiting disabled")
		return nil
	}
	client, err := postgres.NewRedisClient(postgres.RedisConfig{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to connect to redis, login rate limiting disabled")
		return nil
	}
	return client
}
