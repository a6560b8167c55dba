/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Rebound engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment, flags override)
  2. Build the logger
  3. Open and migrate the store (SQLite or Postgres)
  4. Load rules, catalog, features and badges (embedded or RULES_FILE)
  5. Build services and the HTTP router
  6. Start the ledger audit scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      Database DSN (overrides DATABASE_URL)
           Use ":memory:" for an in-memory SQLite database
  -driver  sqlite3 or postgres (overrides DB_DRIVER)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close Redis and database connections
  5. Exit

EXAMPLES:
  ./server -db=":memory:"
  DB_DRIVER=postgres DATABASE_URL=postgres://rebound@localhost/rebound?sslmode=disable ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/activity"
	"github.com/warp/rebound-engine/api"
	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/config"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/factory"
	"github.com/warp/rebound-engine/guidance"
	"github.com/warp/rebound-engine/logging"
	"github.com/warp/rebound-engine/metrics"
	"github.com/warp/rebound-engine/notify"
	"github.com/warp/rebound-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rebound: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dsn := flag.String("db", cfg.DBDSN, "Database DSN or SQLite path")
	driver := flag.String("driver", cfg.DBDriver, "Database driver (sqlite3, postgres)")
	flag.Parse()

	log, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlstore.Open(*driver, *dsn, log)
	if err != nil {
		return err
	}
	defer store.Close()

	bundle, err := factory.Load(cfg.RulesFile)
	if err != nil {
		return err
	}
	log.Info("rules loaded", zap.String("source", bundle.Source),
		zap.Int("rules", len(bundle.Rules.All())),
		zap.Int("badges", len(bundle.Badges)))

	content, err := guidance.LoadContent()
	if err != nil {
		return err
	}
	selector, err := guidance.NewSelector(content, bundle.Resolver)
	if err != nil {
		return err
	}

	var publisher notify.Publisher = notify.NewLogPublisher(log)
	if cfg.RedisAddr != "" {
		client := notify.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		publisher = notify.NewRedisPublisher(client, cfg.RedisChannel)
		log.Info("publishing events to redis", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}

	// Services
	users := accounts.NewService(store, log)
	ledger := economy.NewService(store, bundle.Rules, bundle.Catalog, bundle.Resolver,
		economy.WithLocation(cfg.Location()),
		economy.WithLogger(log))
	evaluator, err := badges.NewEvaluator(store, ledger, bundle.Badges, publisher, log)
	if err != nil {
		return err
	}
	recorder := activity.NewRecorder(store, ledger, evaluator, publisher, log)

	collector := metrics.NewCollector("rebound")
	handler := api.NewHandler(api.Deps{
		Accounts:      users,
		Ledger:        ledger,
		Activities:    recorder,
		Badges:        evaluator,
		Guidance:      selector,
		Resolver:      bundle.Resolver,
		Tokens:        api.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL),
		Publisher:     publisher,
		Metrics:       collector,
		Log:           log,
		WebhookSecret: cfg.WebhookSecret,
		Ping:          store.Ping,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Origins(),
		AuthPerMinute:  cfg.AuthRatePerMinute,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	auditor := api.NewAuditScheduler(store, ledger, collector, log)
	auditor.CheckInterval = cfg.AuditInterval
	auditor.Start(context.Background())
	defer auditor.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", *port), zap.String("env", cfg.Env), zap.String("driver", *driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
