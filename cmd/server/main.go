package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/api"
	"github.com/vdavid/helphub/backend/internal/config"
	"github.com/vdavid/helphub/backend/internal/db"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/logging"
	"github.com/vdavid/helphub/backend/internal/messaging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.CloseConnection(pool)

	if err := db.CheckSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("database is not ready")
	}
	logger.Info().Msg("successfully connected to database")

	if pending, err := db.CountPendingReadAcks(ctx, pool); err != nil {
		logger.Warn().Err(err).Msg("failed to count pending read acknowledgments")
	} else if pending > 0 {
		logger.Info().Int("pending", pending).Msg("read acknowledgments waiting for retry")
	}

	server, err := NewServer(cfg, db.NewReadAckQueue(pool))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}
	defer server.Close()

	address := ":" + cfg.Port
	logger.Info().Str("address", address).Str("environment", cfg.Environment).
		Str("backend", cfg.APIBaseURL).Msg("HelpHub messaging backend starting")

	if err := Serve(ctx, address, server, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// Server is the HTTP handler of the messaging API together with the session
// manager behind it.
type Server struct {
	http.Handler
	manager *messaging.Manager
}

// NewServer wires the messaging backend client, the session manager and the router.
func NewServer(cfg *config.Config, acks messaging.ReadAckQueue) (*Server, error) {
	client, err := helpapi.New(helpapi.Options{
		BaseURL:  cfg.APIBaseURL,
		Timeout:  cfg.RequestTimeout,
		RPS:      cfg.APIRPS,
		Burst:    cfg.APIBurst,
		MaxPages: cfg.MaxPages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	manager := messaging.NewManager(
		func(token string) messaging.Backend { return client.ForUser(token) },
		acks,
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

	return &Server{
		Handler: api.NewRouter(manager, logging.Component("http")),
		manager: manager,
	}, nil
}

// Close stops the session manager's background work.
func (s *Server) Close() {
	s.manager.Close()
}

// Serve runs handler on address until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler, logger zerolog.Logger) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
