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

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/portalchat/internal/api"
	"github.com/lalith-99/portalchat/internal/auth"
	"github.com/lalith-99/portalchat/internal/config"
	"github.com/lalith-99/portalchat/internal/db"
	"github.com/lalith-99/portalchat/internal/observ"
	"github.com/lalith-99/portalchat/internal/outbox"
	"github.com/lalith-99/portalchat/internal/outbox/postgres"
	"github.com/lalith-99/portalchat/internal/outbox/redis"
	"github.com/lalith-99/portalchat/internal/outbox/sqlite"
	"github.com/lalith-99/portalchat/internal/rest"
	"github.com/lalith-99/portalchat/internal/session"
	"github.com/lalith-99/portalchat/internal/transport"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.BridgeSecret == "" {
		return errors.New("BRIDGE_SECRET is required to serve the bridge")
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Decode the portal credential
	//
	// Why before anything else connects?
	//   - An expired token fails here with a clear message instead of
	//     as a refused socket handshake.
	//   - Nothing is opened on behalf of a token that can never log in.
	// ---------------------------------------------------------------
	cred, err := auth.ParseCredential(cfg.AccessToken, time.Now())
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Open the outbox store
	// ---------------------------------------------------------------
	store, closeStore, err := openOutbox(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer closeStore()

	// ---------------------------------------------------------------
	// 5. Build the session
	// ---------------------------------------------------------------
	sess := session.New(session.Options{
		Transport: transport.New(transport.Options{
			BaseURL:           cfg.APIURL,
			ReconnectDelay:    cfg.ReconnectDelay,
			ReconnectAttempts: cfg.ReconnectAttempts,
		}, logger),
		REST:        rest.New(cfg.APIURL, &http.Client{Timeout: 30 * time.Second}, logger),
		OutboxStore: store,
		OutboxRate:  cfg.OutboxRate,
		PageSize:    cfg.PageSize,
		TypingQuiet: cfg.TypingQuiet,
	}, logger)
	defer sess.Close()

	if err := sess.Login(ctx, cred.Token); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Serve the local bridge
	//
	// Bound to loopback by default. The bridge token is the only thing
	// standing between other local processes and the user's chat.
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(sess, logger), cfg.BridgeSecret)
	srv := &http.Server{
		Addr:              cfg.BridgeAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting portalchat bridge",
			zap.String("addr", cfg.BridgeAddr),
			zap.String("env", cfg.Env),
			zap.String("outbox", cfg.OutboxBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("bridge: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openOutbox returns the store for cfg.OutboxBackend, or nil for "none",
// plus a func releasing whatever the store holds open. Stores keep one
// queue per portal user; the session picks the queue on login.
func openOutbox(ctx context.Context, cfg *config.Config, logger *zap.Logger) (outbox.Store, func(), error) {
	noop := func() {}

	switch cfg.OutboxBackend {
	case config.OutboxNone:
		return nil, noop, nil

	case config.OutboxMemory:
		return outbox.NewMemoryStore(), noop, nil

	case config.OutboxSQLite:
		s, err := sqlite.Open(cfg.OutboxPath)
		if err != nil {
			return nil, nil, err
		}
		// Closed by Session.Close.
		return s, noop, nil

	case config.OutboxPostgres:
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		s := postgres.NewStore(database.Pool())
		if err := s.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		return s, database.Close, nil

	case config.OutboxRedis:
		s, err := redis.Open(ctx, cfg.RedisURL, "portalchat")
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown outbox backend %q", cfg.OutboxBackend)
}
