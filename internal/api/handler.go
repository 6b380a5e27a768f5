// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repo-activity-chart/internal/apperr"
	"repo-activity-chart/internal/chart"
	"repo-activity-chart/internal/model"
	"repo-activity-chart/internal/upstream"
)

// TimelineService is the subset of history.Service the HTTP layer depends on.
type TimelineService interface {
	GetTimeline(ctx context.Context, owner, name string) ([]model.Snapshot, error)
}

// RateLimitReporter is the subset of upstream.Client used for observability.
type RateLimitReporter interface {
	RateLimit() upstream.RateLimitInfo
}

// Handler is the container for API dependencies.
type Handler struct {
	history TimelineService
	rl      RateLimitReporter
	logger  *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(history TimelineService, rl RateLimitReporter, logger *slog.Logger) http.Handler {
	h := &Handler{history: history, rl: rl, logger: logger}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos/{owner}/{name}/timeline", h.getTimeline)
		r.Get("/repos/{owner}/{name}/chart.svg", h.getChart)
		r.Get("/rate-limit", h.getRateLimit)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getTimeline handles GET /v1/repos/{owner}/{name}/timeline
func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	snaps, err := h.history.GetTimeline(r.Context(), owner, name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snaps)
}

// getChart handles GET /v1/repos/{owner}/{name}/chart.svg
func (h *Handler) getChart(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	snaps, err := h.history.GetTimeline(r.Context(), owner, name)
	if err != nil {
		h.respondError(w, err)
		return
	}

	svg := chart.Render(snaps, chart.DefaultDimensions)
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(svg))
}

// getRateLimit handles GET /v1/rate-limit
func (h *Handler) getRateLimit(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.rl.RateLimit())
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case apperr.Is(err, apperr.KindNotFound):
		status, msg = http.StatusNotFound, "repository not found"
	case apperr.Is(err, apperr.KindRateLimited):
		status, msg = http.StatusTooManyRequests, "upstream rate limit exhausted, try again later"
	case apperr.Is(err, apperr.KindBusy):
		status, msg = http.StatusServiceUnavailable, "try again shortly"
	case apperr.Is(err, apperr.KindBatchTooLarge):
		status, msg = http.StatusInternalServerError, "internal batching error"
	case apperr.Is(err, apperr.KindTransport), apperr.Is(err, apperr.KindProtocol), apperr.Is(err, apperr.KindStorage):
		status, msg = http.StatusBadGateway, "upstream or storage error"
	default:
		h.logger.Error("unhandled error", "error", err)
	}

	respondWithError(w, status, msg)
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, msg string) {
	respondWithJSON(w, status, map[string]string{"error": msg})
}
