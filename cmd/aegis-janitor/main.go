package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/config"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/sessions"
	"github.com/schoolworks/aegis/pkg/storage/postgres"
	"github.com/schoolworks/aegis/pkg/tokens"
)

var (
	dbURL             = flag.String("db-url", getEnv("AEGIS_DATABASE_URL", "postgres://localhost/aegis?sslmode=disable"), "PostgreSQL connection URL")
	sweepSchedule     = flag.String("sweep-schedule", "*/15 * * * *", "Cron schedule for the expired session sweep (default: every 15 minutes)")
	purgeSchedule     = flag.String("purge-schedule", "0 * * * *", "Cron schedule for the override and refresh token purge (default: hourly)")
	retentionSchedule = flag.String("retention-schedule", "30 0 * * *", "Cron schedule for audit retention (default: 00:30 UTC)")
	retentionDays     = flag.Int("retention-days", getEnvInt("AEGIS_AUDIT_RETENTION_DAYS", 365), "Audit entries older than this many days are purged")
	archiveEnabled    = flag.Bool("archive", getEnv("AEGIS_AUDIT_ARCHIVE_ENABLED", "") == "true", "Archive purged audit entries to S3 before deletion")
	s3Endpoint        = flag.String("s3-endpoint", getEnv("AEGIS_AUDIT_S3_ENDPOINT", ""), "S3 endpoint override (for MinIO)")
	s3Region          = flag.String("s3-region", getEnv("AEGIS_AUDIT_S3_REGION", "us-east-1"), "S3 region for the audit archive bucket")
	s3Bucket          = flag.String("s3-bucket", getEnv("AEGIS_AUDIT_S3_BUCKET", ""), "S3 bucket for archived audit entries")
	s3AccessKey       = flag.String("s3-access-key", getEnv("AEGIS_AUDIT_S3_ACCESS_KEY", ""), "S3 access key (empty uses the default credential chain)")
	s3SecretKey       = flag.String("s3-secret-key", getEnv("AEGIS_AUDIT_S3_SECRET_KEY", ""), "S3 secret key")
	s3PathStyle       = flag.Bool("s3-path-style", getEnv("AEGIS_AUDIT_S3_USE_PATH_STYLE", "") == "true", "Use path-style S3 addressing")
	runOnce           = flag.Bool("run-once", false, "Run every job once and exit (for testing)")
	logLevel          = flag.String("log-level", getEnv("AEGIS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)
	logger.Info("Starting Aegis janitor")

	ctx := context.Background()

	conn, err := postgres.Connect(ctx, postgres.ConnectionConfig{
		URL:     *dbURL,
		Timeout: 10 * time.Second,
	}, config.MinimumSchemaVersion)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()
	db := conn.DB()

	sessionRegistry := sessions.NewRegistry(sessions.NewStore(conn), 0, nil)
	permissionStore := permissions.NewStore(db)
	tokenStore := tokens.NewStore(db)
	auditStore := audit.NewStore(db)

	var archive *postgres.ArchiveClient
	if *archiveEnabled {
		archive, err = postgres.NewArchiveClient(ctx, postgres.S3Config{
			Endpoint:     *s3Endpoint,
			Region:       *s3Region,
			Bucket:       *s3Bucket,
			AccessKey:    *s3AccessKey,
			SecretKey:    *s3SecretKey,
			UsePathStyle: *s3PathStyle,
		})
		if err != nil {
			logger.Fatalf("Failed to create S3 archive client: %v", err)
		}
		logger.Infof("Audit archive enabled, bucket %s", *s3Bucket)
	}

	// The retention job logs through the shared structured logger so its
	// output matches the server's.
	obsLogger := observability.NewLogger(observability.ParseLogLevel(*logLevel), os.Stdout)
	retention := audit.NewRetention(auditStore, archive, *retentionDays, obsLogger, nil)

	sweepSessions := func() {
		defer observability.RecoverPanic(obsLogger, "session sweep")
		n, err := sessionRegistry.SweepExpired(ctx)
		if err != nil {
			logger.Errorf("Session sweep failed: %v", err)
			return
		}
		logger.Infof("Session sweep closed %d expired sessions", n)
	}

	purgeGrants := func() {
		defer observability.RecoverPanic(obsLogger, "grant purge")
		now := time.Now().UTC()
		overrides, err := permissionStore.PurgeExpired(ctx, now)
		if err != nil {
			logger.Errorf("Override purge failed: %v", err)
		} else {
			logger.Infof("Purged %d expired permission overrides", overrides)
		}

		deleted, err := tokenStore.DeleteExpiredBefore(ctx, now)
		if err != nil {
			logger.Errorf("Refresh token purge failed: %v", err)
		} else {
			logger.Infof("Deleted %d expired refresh tokens", deleted)
		}
	}

	runRetention := func() {
		defer observability.RecoverPanic(obsLogger, "audit retention")
		n, err := retention.Run(ctx)
		if err != nil {
			logger.Errorf("Audit retention failed after purging %d entries: %v", n, err)
			return
		}
		logger.Infof("Audit retention purged %d entries older than %d days", n, *retentionDays)
	}

	if *runOnce {
		sweepSessions()
		purgeGrants()
		runRetention()
		logger.Info("Run-once complete")
		return
	}

	c := cron.New()

	if _, err := c.AddFunc(*sweepSchedule, sweepSessions); err != nil {
		logger.Fatalf("Failed to schedule session sweep: %v", err)
	}
	if _, err := c.AddFunc(*purgeSchedule, purgeGrants); err != nil {
		logger.Fatalf("Failed to schedule grant purge: %v", err)
	}
	if _, err := c.AddFunc(*retentionSchedule, runRetention); err != nil {
		logger.Fatalf("Failed to schedule audit retention: %v", err)
	}

	c.Start()
	logger.Info("Aegis janitor started")
	logger.Infof("Session sweep schedule: %s", *sweepSchedule)
	logger.Infof("Grant purge schedule: %s", *purgeSchedule)
	logger.Infof("Audit retention schedule: %s", *retentionSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("Janitor stopped")
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
