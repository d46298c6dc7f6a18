//go:build integration
// +build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

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

// setupPostgres starts a disposable PostgreSQL container and applies every
// migration. Tests skip when no container runtime is available.
func setupPostgres(t *testing.T) (*postgres.Conn, func()) {
	t.Helper()

	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := pgcontainer.Run(ctx, "postgres:15-alpine",
		pgcontainer.WithDatabase("aegis_test"),
		pgcontainer.WithUsername("aegis"),
		pgcontainer.WithPassword("aegis_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		pgcontainer.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	require.NoError(t, runMigrations(db), "failed to run migrations")
	require.NoError(t, db.Close())

	conn, err := postgres.Connect(ctx, postgres.ConnectionConfig{
		URL:     connStr,
		Timeout: 10 * time.Second,
	}, config.MinimumSchemaVersion)
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}

	return conn, cleanup
}

func runMigrations(db *sql.DB) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	migrationsDir := filepath.Join(wd, "..", "..", "migrations")
	if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found at %s", migrationsDir)
	}

	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", file, err)
		}
	}
	return nil
}

// testEnv wires the full service graph over the container database, the
// same way the server binary does, and exposes it over httptest.
type testEnv struct {
	Server *httptest.Server
	Conn   *postgres.Conn

	Accounts *accounts.Service
	Tokens   *tokens.Service
	Sessions *sessions.Registry
	Audit    *audit.Store
	Hasher   *credentials.Hasher
}

func newTestEnv(t *testing.T, conn *postgres.Conn) *testEnv {
	t.Helper()

	db := conn.DB()
	caps := conn.Capabilities()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	hasher := credentials.NewHasher()
	denylist, err := credentials.NewDenylist("")
	require.NoError(t, err)

	signer := tokens.NewJWTSigner("integration-test-secret", "aegis", 15*time.Minute)

	sessionStore := sessions.NewStore(conn)
	sessionRegistry := sessions.NewRegistry(sessionStore, 12*time.Hour, nil)

	tokenStore := tokens.NewStore(db)
	tokenService := tokens.NewService(tokenStore, signer, 30*24*time.Hour, sessionRegistry, nil)

	auditStore := audit.NewStore(db)
	auditLog := audit.NewLog(auditStore, logger, nil)

	resolver := permissions.NewResolver(permissions.NewStore(db), nil)

	accountStore := accounts.NewStore(db)
	accountService, err := accounts.NewService(
		accountStore,
		hasher,
		credentials.DefaultPolicy(),
		denylist,
		tokenService,
		sessionRegistry,
		auditLog,
		tenants.NewStore(db),
		notify.NewLogDispatcher(logger),
		logger,
		nil,
		16,
	)
	require.NoError(t, err)

	detector := anomaly.NewDetector(accountStore, sessionStore, auditStore, anomaly.DefaultThresholds(), nil)
	caseManager := investigations.NewManager(investigations.NewStore(db), auditLog, auditStore, caps, logger, nil)

	server := api.NewServer(api.Deps{
		Accounts:       accountService,
		Tokens:         tokenService,
		Sessions:       sessionRegistry,
		Permissions:    resolver,
		Audit:          auditLog,
		Anomaly:        detector,
		Investigations: caseManager,
		Conn:           conn,

		Auth:    middleware.NewAuth(tokenService, logger),
		Guard:   middleware.NewGuard(resolver),
		Logger:  logger,
		Metrics: nil,
	})

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	return &testEnv{
		Server:   ts,
		Conn:     conn,
		Accounts: accountService,
		Tokens:   tokenService,
		Sessions: sessionRegistry,
		Audit:    auditStore,
		Hasher:   hasher,
	}
}

// seedTenant inserts a tenant row directly; tenant provisioning is out of
// band for the identity service.
func seedTenant(t *testing.T, db *sql.DB, id, name string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO tenants (id, name, schema_name, active)
		VALUES ($1, $2, $3, TRUE)`,
		id, name, "tenant_"+id,
	)
	require.NoError(t, err)
}

// seedAccount inserts a verified active account with the given role and
// returns its id.
func seedAccount(t *testing.T, env *testEnv, email, password string, role permissions.Role, tenantID string) string {
	t.Helper()

	hash, err := env.Hasher.Hash(password)
	require.NoError(t, err)

	id := fmt.Sprintf("seed-%s", email)
	now := time.Now().UTC()
	_, err = env.Conn.DB().Exec(`
		INSERT INTO accounts (id, email, primary_role, additional_roles, tenant_id, status, email_verified, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', $4, 'active', TRUE, $5, $6, $6)`,
		id, email, string(role), tenantID, hash, now,
	)
	require.NoError(t, err)
	return id
}
