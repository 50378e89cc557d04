package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/db"
	"github.com/Profusion-AI/cardmint-sub005/internal/engine"
	"github.com/Profusion-AI/cardmint-sub005/internal/events"
	"github.com/Profusion-AI/cardmint-sub005/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler translates cart HTTP requests into reservation engine calls.
type Handler struct {
	engine    *engine.Engine
	db        *db.DB
	publisher *events.Publisher
	log       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(eng *engine.Engine, database *db.DB, publisher *events.Publisher, logger *zap.Logger) *Handler {
	return &Handler{
		engine:    eng,
		db:        database,
		publisher: publisher,
		log:       logger,
	}
}

// RegisterRoutes registers all routes on the ServeMux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/cart/reserve", h.instrument("reserve", h.handleReserve))
	mux.HandleFunc("/api/cart/release", h.instrument("release", h.handleRelease))
	mux.HandleFunc("/api/cart/validate", h.instrument("validate", h.handleValidate))
	mux.HandleFunc("/api/cart/clear", h.instrument("clear", h.handleClearSession))
	mux.HandleFunc("/api/cart/confirm", h.instrument("confirm", h.handleConfirm))
}

func (h *Handler) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		metrics.RequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

type cartRequest struct {
	ProductIDs []string `json:"productIds"`
	SessionID  string   `json:"sessionId"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type failedProduct struct {
	ProductID string `json:"productId"`
	Reason    string `json:"reason"`
}

type reserveResponse struct {
	Reserved          []string        `json:"reserved"`
	Failed            []failedProduct `json:"failed"`
	ExpiresAt         int64           `json:"expiresAt"`
	HeldCount         int64           `json:"heldCount"`
	RetryAfterSeconds int64           `json:"retryAfterSeconds,omitempty"`
}

type releaseResponse struct {
	Released []string `json:"released"`
	NotFound []string `json:"notFound"`
}

type validateResponse struct {
	Valid       []string `json:"valid"`
	Expired     []string `json:"expired"`
	Unavailable []string `json:"unavailable"`
}

type clearResponse struct {
	Released int64 `json:"released"`
}

type confirmResponse struct {
	Confirmed []string `json:"confirmed"`
	NotFound  []string `json:"notFound"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCartRequest(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Reserve(r.Context(), req.ProductIDs, req.SessionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	failed := make([]failedProduct, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, failedProduct{ProductID: f.ProductID, Reason: string(f.Reason)})
	}

	h.writeJSON(w, http.StatusOK, reserveResponse{
		Reserved:          orEmpty(result.Reserved),
		Failed:            failed,
		ExpiresAt:         result.ExpiresAt,
		HeldCount:         result.HeldCount,
		RetryAfterSeconds: result.RetryAfterSeconds,
	})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCartRequest(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Release(r.Context(), req.ProductIDs, req.SessionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, releaseResponse{
		Released: orEmpty(result.Released),
		NotFound: orEmpty(result.NotFound),
	})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCartRequest(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Validate(r.Context(), req.ProductIDs, req.SessionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, validateResponse{
		Valid:       orEmpty(result.Valid),
		Expired:     orEmpty(result.Expired),
		Unavailable: orEmpty(result.Unavailable),
	})
}

func (h *Handler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}

	released, err := h.engine.ClearSession(r.Context(), req.SessionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, clearResponse{Released: released})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCartRequest(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Confirm(r.Context(), req.ProductIDs, req.SessionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, confirmResponse{
		Confirmed: orEmpty(result.Confirmed),
		NotFound:  orEmpty(result.NotFound),
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "database"})
		return
	}

	if h.publisher != nil && !h.publisher.IsHealthy() {
		h.log.Error("RabbitMQ health check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "rabbitmq"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decodeCartRequest(w http.ResponseWriter, r *http.Request) (cartRequest, bool) {
	var req cartRequest
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return req, false
	}
	return req, true
}

// writeEngineError keeps the error taxonomy on the wire: validation errors
// surface verbatim, infrastructure failures stay generic.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrInvalidSession) || errors.Is(err, engine.ErrInvalidProduct) {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	h.log.Error("Request failed", zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
