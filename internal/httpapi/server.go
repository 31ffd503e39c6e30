package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tmwangi/ulemsee/internal/config"
	"github.com/tmwangi/ulemsee/internal/groq"
	"github.com/tmwangi/ulemsee/internal/history"
	"github.com/tmwangi/ulemsee/internal/observability"
)

const (
	maxQuestionLen      = 2000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Generator produces an answer for a validated question. The completion
// client satisfies it; tests substitute a stub.
type Generator interface {
	Generate(ctx context.Context, question string) (groq.Answer, error)
}

type Server struct {
	cfg       config.Config
	generator Generator // nil when the completion client failed to construct
	history   *history.Log
	metrics   *observability.Metrics
	startedAt time.Time
	requests  atomic.Int64
}

func New(cfg config.Config, generator Generator, hist *history.Log, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		generator: generator,
		history:   hist,
		metrics:   metrics,
		startedAt: time.Now().UTC(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/question", s.handleQuestion)
	r.Get("/api/history", s.handleListHistory)
	r.Delete("/api/history/{id}", s.handleDeleteHistoryItem)
	r.Delete("/api/history", s.handleClearHistory)

	return r
}

type questionRequest struct {
	Question string `json:"question"`
}

type questionResponse struct {
	Response     string  `json:"response"`
	ModelUsed    string  `json:"model_used"`
	ResponseTime float64 `json:"response_time"`
}

type statusResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	RequestCount  int64   `json:"request_count"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	GroqAvailable bool    `json:"groq_available"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		Status:        "Ule Msee is running and ready to provide wisdom",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		RequestCount:  s.requests.Load(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	available := s.generator != nil
	status := "healthy"
	if !available {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		GroqAvailable: available,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		respondError(w, http.StatusBadRequest, "invalid_question", "question cannot be empty or just whitespace")
		return
	}
	if utf8.RuneCountInString(question) > maxQuestionLen {
		respondError(w, http.StatusBadRequest, "invalid_question", fmt.Sprintf("question exceeds %d characters", maxQuestionLen))
		return
	}

	if s.generator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "assistant is not configured")
		return
	}

	answer, err := s.generator.Generate(r.Context(), question)
	if err != nil {
		s.respondGenerateError(w, err)
		return
	}

	s.history.Append(history.Record{
		Question:  question,
		Response:  answer.Text,
		ModelUsed: answer.Model,
	})
	s.metrics.HistorySize.Set(float64(s.history.Len()))
	s.metrics.ObserveGenerateLatency(answer.Elapsed)

	respondJSON(w, http.StatusOK, questionResponse{
		Response:     answer.Text,
		ModelUsed:    answer.Model,
		ResponseTime: answer.Elapsed.Seconds(),
	})
}

// respondGenerateError maps completion failure kinds to transport statuses.
// Upstream internals are never exposed beyond a short message.
func (s *Server) respondGenerateError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		// The caller abandoned the request; nobody is reading the response.
		return
	}
	switch groq.KindOf(err) {
	case groq.KindConfiguration, groq.KindAuth:
		respondError(w, http.StatusServiceUnavailable, "unavailable", "assistant is not available right now")
	case groq.KindRateLimited:
		respondError(w, http.StatusTooManyRequests, "rate_limited", "assistant is receiving too many requests, please try again shortly")
	case groq.KindTimeout:
		respondError(w, http.StatusGatewayTimeout, "timeout", "assistant is taking too long to respond, please try again")
	case groq.KindConnectivity:
		respondError(w, http.StatusServiceUnavailable, "unreachable", "unable to reach the assistant service")
	case groq.KindUpstream, groq.KindExhausted:
		respondError(w, http.StatusBadGateway, "upstream_error", "assistant service error, please try again")
	case groq.KindEmptyCompletion:
		respondError(w, http.StatusInternalServerError, "empty_completion", "assistant could not generate a response")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "assistant encountered an internal error")
	}
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records := s.history.List(limit)
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteHistoryItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_id", "missing history item id")
		return
	}
	if !s.history.Delete(id) {
		respondError(w, http.StatusNotFound, "not_found", "history item not found")
		return
	}
	s.metrics.HistorySize.Set(float64(s.history.Len()))
	respondJSON(w, http.StatusOK, map[string]string{"status": "history item deleted"})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	removed := s.history.Clear()
	s.metrics.HistorySize.Set(0)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  fmt.Sprintf("history cleared (%d items removed)", removed),
		"removed": removed,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.requests.Add(1)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.Observe(elapsed.Seconds())
		log.Printf("%s %s - status %d - %.3fs", r.Method, r.URL.Path, ww.Status(), elapsed.Seconds())
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
