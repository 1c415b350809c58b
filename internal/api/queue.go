package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/worker"
)

type processResponse struct {
	Success   bool               `json:"success"`
	Timestamp time.Time          `json:"timestamp"`
	Processed worker.BatchResult `json:"processed"`
	Recovered int64              `json:"recovered"`
	CleanedUp int64              `json:"cleanedUp"`
	Stats     map[string]int     `json:"stats"`
}

// ProcessQueue handles POST /api/queue/process for cron callers
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.Trigger(r.Context())
	if err != nil {
		h.logger.Error("queue trigger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process queue", "")
		return
	}

	h.logger.Info("queue processed on demand",
		zap.Int("found", result.Processed.Found),
		zap.Int("sent", result.Processed.Sent),
		zap.Int64("recovered", result.Recovered),
		zap.Int64("cleaned_up", result.CleanedUp),
	)

	writeJSON(w, http.StatusOK, processResponse{
		Success:   true,
		Timestamp: h.now().UTC(),
		Processed: result.Processed,
		Recovered: result.Recovered,
		CleanedUp: result.CleanedUp,
		Stats:     result.Stats,
	})
}

// QueueStatus handles GET /api/queue/process. It has no side effects.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get queue stats", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Notification queue processor. POST to trigger processing.",
		"stats":     stats,
		"timestamp": h.now().UTC(),
	})
}

// DriverStatus handles GET /api/queue/driver
func (h *Handler) DriverStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Status())
}
