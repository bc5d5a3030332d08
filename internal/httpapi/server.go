// Package httpapi exposes the autopilot service as a JSON HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"resellpilot/internal/audit"
	"resellpilot/internal/autopilot"
	"resellpilot/internal/offer"
	"resellpilot/internal/rules"
	"resellpilot/internal/store"
	"resellpilot/internal/strategy"
)

const maxBodyBytes = 1 << 20

// Server serves the autopilot API.
type Server struct {
	svc *autopilot.Service
}

func New(svc *autopilot.Service) *Server {
	return &Server{svc: svc}
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/confidence/score", s.scoreConfidence)

		r.Post("/offers/evaluate", s.evaluateOffer)
		r.Post("/offers/handle", s.handleOffer)

		r.Post("/reprice/evaluate", s.evaluateReprice)

		r.Get("/ratelimit/{userID}", s.checkRateLimit)
		r.Post("/ratelimit/{userID}/increment", s.incrementRateLimit)

		r.Post("/actions", s.recordAction)
		r.Post("/actions/bulk-resolve", s.bulkResolve)
		r.Get("/actions/{id}", s.getAction)
		r.Post("/actions/{id}/resolve", s.resolveAction)
		r.Post("/actions/{id}/executed", s.markExecuted)
		r.Post("/actions/{id}/failed", s.markFailed)

		r.Get("/audit", s.listAudit)
		r.Post("/audit", s.appendAudit)
		r.Get("/audit/{id}/undo", s.canUndo)
		r.Post("/audit/{id}/undo", s.undo)

		r.Put("/users/{userID}/rules/offer", s.putOfferRules)
		r.Put("/users/{userID}/rules/reprice", s.putRepriceRules)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorBody struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Violations: verr.Violations})
	case errors.Is(err, offer.ErrInvalidContext),
		errors.Is(err, strategy.ErrInvalidContext),
		errors.Is(err, audit.ErrInvalidEntry):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, audit.ErrConflict), errors.Is(err, audit.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
