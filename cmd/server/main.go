/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the chapter treasury bank-sync server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Build the Plaid aggregator client from environment credentials
  4. Create API handler with dependencies
  5. Optionally start the auto-sync scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: treasury.db)
                  Use ":memory:" for an in-memory database
  -auto-sync      Enable the background sync scheduler (default: false)
  -sync-interval  Scheduler interval (default: 1h)

ENVIRONMENT:
  PLAID_CLIENT_ID  Aggregator client id (required)
  PLAID_SECRET     Aggregator secret (required)
  PLAID_ENV        "sandbox" (default) or "production"

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chapterline/treasury-engine/api"
	"github.com/chapterline/treasury-engine/plaid"
	"github.com/chapterline/treasury-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "treasury.db", "SQLite database path")
	autoSync := flag.Bool("auto-sync", false, "enable the background sync scheduler")
	syncInterval := flag.Duration("sync-interval", time.Hour, "background sync interval")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	clientID := os.Getenv("PLAID_CLIENT_ID")
	secret := os.Getenv("PLAID_SECRET")
	if clientID == "" || secret == "" {
		log.Fatal().Msg("PLAID_CLIENT_ID and PLAID_SECRET must be set")
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	// Aggregator client
	aggregator := plaid.New(plaid.Config{
		ClientID: clientID,
		Secret:   secret,
		Env:      os.Getenv("PLAID_ENV"),
	})

	// Initialize handler and router
	handler := api.NewHandler(store, aggregator, log)
	router := api.NewRouter(handler)

	// Background scheduler
	scheduler := api.NewSyncScheduler(store, handler.Syncer, log)
	scheduler.Enabled = *autoSync
	scheduler.CheckInterval = *syncInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // sync requests page through the aggregator
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
