// Package ingress is the HTTP surface in front of the bridge.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/logger"
)

const maxQueryBody = 1 << 20

// Querier answers one query. bridge.Bridge and the daemon's bridge component
// implement it.
type Querier interface {
	Query(ctx context.Context, query string) (*conversation.Conversation, error)
}

type ComponentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthFunc reports per-component health for GET /health.
type HealthFunc func(ctx context.Context) map[string]ComponentStatus

type Handler struct {
	querier Querier
	health  HealthFunc
	version string
	logger  *slog.Logger
}

func NewHandler(q Querier, health HealthFunc, version string, log *slog.Logger) *Handler {
	return &Handler{querier: q, health: health, version: version, logger: logger.Or(log)}
}

// Routes returns the mux wrapped in CORS and request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /healthcheck", h.handleHealthcheck)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /query", h.handleQuery)

	return RequestLogger(h.logger, CORS(mux))
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Messages *conversation.Conversation `json:"messages"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Hello World"})
}

func (h *Handler) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]ComponentStatus{}
	if h.health != nil {
		components = h.health(r.Context())
	}

	status := "ok"
	for _, c := range components {
		if !c.Healthy {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.logger)

	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxQueryBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Missing required field: query"})
		return
	}

	conv, err := h.querier.Query(r.Context(), req.Query)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			log.Warn("Client went away during query", "query", req.Query)
		} else {
			log.Error("Query failed", "query", req.Query, "category", tbErrors.Category(err), "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Error processing query"})
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{Messages: conv})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
