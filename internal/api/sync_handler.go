package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/dkovacs/mailfeed/internal/models"
)

// SyncService abstracts the orchestrator so the handler can be tested with a
// mock implementation.
type SyncService interface {
	// PollAll runs one polling pass across all active accounts.
	PollAll(ctx context.Context) *models.SyncSummary
}

// SyncHandler exposes the sync-trigger endpoint, typically hit by a cron or
// webhook. A poll always answers 200 with the summary; structural errors are
// embedded in it rather than failing the request.
type SyncHandler struct {
	service SyncService
}

// NewSyncHandler creates a handler around the sync service.
func NewSyncHandler(service SyncService) *SyncHandler {
	return &SyncHandler{service: service}
}

// TriggerSync runs a polling pass across all active accounts and returns the
// JSON summary.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary := h.service.PollAll(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		log.Printf("Warning: failed to encode sync summary: %v", err)
	}
}
