package orchestrator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker/v2"
)

const jsonContentType = "application/json"

// Handler exposes the loop's state on the admin HTTP server using go-chi.
type Handler struct {
	repo Repository
	log  *slog.Logger
}

// NewHandler returns a Handler reading from repo. Request counting is left
// to metrics.RequestMiddleware on the router.
func NewHandler(repo Repository, log *slog.Logger) *Handler {
	return &Handler{repo: repo, log: log}
}

// Routes returns the admin routes served by h.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Get("/status", h.Status)
	r.Get("/captures", h.Captures)
	return r
}

type statusResponse struct {
	Status
	Totals Totals `json:"totals"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Breaker string `json:"breaker"`
}

// Healthz handles GET /healthz. It answers 503 while the capture breaker is
// open.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	st, _ := h.repo.Status()
	resp := healthResponse{Status: "ok", Breaker: st.Breaker}
	code := http.StatusOK
	if st.Breaker == gobreaker.StateOpen.String() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, totals := h.repo.Status()
	h.writeJSON(w, http.StatusOK, statusResponse{Status: st, Totals: totals})
}

// Captures handles GET /captures?limit=N, newest first.
func (h *Handler) Captures(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.log.Debug("invalid captures limit", slog.String("limit", s))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs := h.repo.RecentCaptures(limit)
	if recs == nil {
		recs = []CaptureRecord{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("write response failed", slog.String("error", err.Error()))
	}
}
