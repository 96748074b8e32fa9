package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedvault/feedvault/internal/auth"
	"github.com/feedvault/feedvault/internal/config"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/rss"
	"github.com/feedvault/feedvault/internal/server"
	feedsync "github.com/feedvault/feedvault/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var store database.Store
	switch cfg.DatabaseDriver {
	case "postgres":
		store, err = database.NewPostgres(cfg.DatabaseDSN)
	case "sqlite":
		store, err = database.New(cfg.DatabaseDSN)
	default:
		log.Fatalf("Unknown database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	log.Printf("Using %s database", store.DatabaseType())

	var source rss.Source
	if cfg.DemoMode {
		log.Println("Demo mode: serving fixture feeds")
		source = rss.NewFixtureSource()
	} else {
		source = rss.NewFetcher(cfg.RelayURL, cfg.FetchTimeout)
	}

	syncer := feedsync.NewSyncer(store, source)
	authSvc := auth.NewService(store, cfg.SessionTTL, cfg.BcryptCost)
	authSvc.Subscribe(func(e auth.Event) {
		switch e.Type {
		case auth.EventSignIn:
			log.Printf("Session opened for user %d", e.UserID)
		case auth.EventSignOut:
			log.Printf("Session closed for user %d", e.UserID)
		}
	})

	srv := server.New(store, authSvc, syncer, cfg.FetchTimeout)

	poller := feedsync.NewPoller(syncer, store)
	poller.Start()
	defer poller.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
