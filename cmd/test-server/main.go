package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/api"
	"github.com/vdavid/helphub/backend/internal/config"
	"github.com/vdavid/helphub/backend/internal/db"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/logging"
	"github.com/vdavid/helphub/backend/internal/messaging"
	"github.com/vdavid/helphub/backend/internal/models"
	"github.com/vdavid/helphub/backend/internal/testutil"
)

// Demo tokens for the e2e suite.
const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
	carolToken = "token-carol"
)

func main() {
	logging.Init(logging.DefaultConfig())
	logger := logging.Component("test-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the fake messaging backend first so its URL can go into the config
	backend := testutil.NewFakeBackend()
	seedTestData(backend)
	backendServer := httptest.NewServer(backend)
	defer backendServer.Close()
	logger.Info().Str("url", backendServer.URL).Msg("fake messaging backend started")

	if err := setupTestEnvironment(backendServer.URL); err != nil {
		logger.Fatal().Err(err).Msg("failed to set up test environment")
	}

	postgresContainer, err := testutil.StartPostgres(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start Postgres")
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to terminate Postgres container")
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to get connection string")
	}

	cfg, pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up database")
	}
	defer pool.Close()

	if err := startHTTPServer(ctx, cfg, pool, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

// setupTestEnvironment sets the environment variables config.NewConfig requires.
func setupTestEnvironment(backendURL string) error {
	vars := map[string]string{
		"HELPHUB_ENV":                "test",
		"HELPHUB_API_BASE_URL":       backendURL,
		"HELPHUB_DB_PASSWORD":        testutil.TestDBPassword,
		"HELPHUB_RECONCILE_INTERVAL": "15s",
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// setupDatabase creates a database connection pool and runs migrations.
func setupDatabase(ctx context.Context, connStr string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := testutil.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return cfg, pool, nil
}

// startHTTPServer serves the messaging API until ctx is canceled.
func startHTTPServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
	client, err := helpapi.New(helpapi.Options{
		BaseURL:  cfg.APIBaseURL,
		Timeout:  cfg.RequestTimeout,
		MaxPages: cfg.MaxPages,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	manager := messaging.NewManager(
		func(token string) messaging.Backend { return client.ForUser(token) },
		db.NewReadAckQueue(pool),
		messaging.ManagerConfig{
			Session: messaging.SessionConfig{
				PageSize:           cfg.PageSize,
				PlaceholderURL:     cfg.AvatarPlaceholderURL,
				ReadAckMaxAttempts: cfg.ReadAckMaxAttempts,
			},
			IdleTimeout:       cfg.SessionIdleTimeout,
			ReconcileInterval: cfg.ReconcileInterval,
		},
		logging.Component("messaging"),
	)
	defer manager.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(manager, logging.Component("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("address", httpServer.Addr).
		Strs("tokens", []string{aliceToken, bobToken, carolToken}).
		Msg("HelpHub test server ready for e2e tests, press Ctrl+C to stop")

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// seedTestData creates three users, their resources and a few conversations
// for the e2e fixtures.
func seedTestData(backend *testutil.FakeBackend) {
	backend.AddUser(models.User{ID: "u1", Username: "alice", FirstName: "Alice", LastName: "Jones", Email: "alice@example.com"}, aliceToken)
	backend.AddUser(models.User{ID: "u2", Username: "bob", FirstName: "Bob", LastName: "Smith", Email: "bob@example.com"}, bobToken)
	backend.AddUser(models.User{ID: "u3", Username: "pantry", OrganizationName: "Community Pantry", Email: "hello@pantry.example"}, carolToken)

	backend.AddResource(models.Resource{ID: "r1", Title: "Food Bank", OwnerID: "u3"})
	backend.AddResource(models.Resource{ID: "r2", Title: "Night Shelter", OwnerID: "u2"})
	backend.AddResource(models.Resource{ID: "r3", Title: "Legal Aid Clinic", OwnerID: "u1"})

	backend.AddMessage("u1", "u3", "Inquiry about: Food Bank", "Hi, are you open on weekends?", true)
	backend.AddMessage("u3", "u1", "Re: Inquiry about: Food Bank", "Yes, Saturdays from 9 to 1.", true)
	backend.AddMessage("u2", "u1", "Volunteering", "Do you still need volunteers for the clinic?", false)
	backend.AddMessage("u3", "u1", "Re: Inquiry about: Food Bank", "We also deliver on Sundays now.", false)
}
