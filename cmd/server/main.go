package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkovacs/mailfeed/internal/api"
	"github.com/dkovacs/mailfeed/internal/config"
	"github.com/dkovacs/mailfeed/internal/crypto"
	"github.com/dkovacs/mailfeed/internal/db"
	"github.com/dkovacs/mailfeed/internal/sync"
	"github.com/dkovacs/mailfeed/internal/thread"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	service := newSyncService(cfg, pool)

	if cfg.PollIntervalSeconds > 0 {
		go runPoller(ctx, service, time.Duration(cfg.PollIntervalSeconds)*time.Second)
	}

	server := NewServer(service)

	address := ":" + cfg.Port
	log.Printf("Mailfeed server starting on %s (environment: %s)", address, cfg.Environment)

	if err := http.ListenAndServe(address, server); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func newSyncService(cfg *config.Config, pool *pgxpool.Pool) *sync.Service {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	store := db.NewStore(pool)
	resolver := thread.NewResolver(store, cfg.ThreadWindowDays, cfg.ChainReferences)

	return sync.NewService(store, resolver, encryptor, sync.NewIMAPSession, cfg)
}

// NewServer creates the HTTP handler for the sync-trigger boundary.
func NewServer(service *sync.Service) http.Handler {
	syncHandler := api.NewSyncHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/api/v1/sync", http.HandlerFunc(syncHandler.TriggerSync))

	return mux
}

// runPoller triggers a polling pass on a fixed interval until the context is
// cancelled.
func runPoller(ctx context.Context, service *sync.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := service.PollAll(ctx)
			log.Printf("Poll finished: %d accounts, %d fetched, %d imported, %d failed, %d errors in %dms",
				summary.AccountsProcessed, summary.MessagesFetched, summary.MessagesImported,
				summary.Failed, len(summary.Errors), summary.DurationMs)
		}
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailfeed sync engine is running")
}
