// Package server exposes the guardrail pipeline over HTTP: chat
// endpoints, health, and cost/cache reporting, plus Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/promptgate"
)

// Server routes HTTP traffic into a Pipeline.
type Server struct {
	pipeline *promptgate.Pipeline
	logger   *slog.Logger
	registry *prometheus.Registry
	mux      *http.ServeMux
	version  string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry sets the Prometheus registry served at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server over a pipeline.
func New(pipeline *promptgate.Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline: pipeline,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics/costs/daily", s.handleDailyCosts)
	mux.HandleFunc("GET /metrics/costs/monthly", s.handleMonthlyCosts)
	mux.HandleFunc("GET /metrics/cache/stats", s.handleCacheStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux = mux
	return s
}

// Registry returns the Prometheus registry served at /metrics.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// ServeHTTP implements http.Handler with request id assignment and
// access logging around the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx := promptgate.WithRequestID(r.Context(), requestID)
	start := time.Now()

	s.mux.ServeHTTP(w, r.WithContext(ctx))

	s.logger.Info("request",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID,
		"duration_ms", float64(time.Since(start).Microseconds())/1000)
}

// clientIP resolves the caller address behind proxies.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps pipeline errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := promptgate.RequestIDFrom(r.Context())
	kind := promptgate.KindOf(err)

	var status int
	var message string
	switch kind {
	case promptgate.KindInvalidRequest:
		status = http.StatusBadRequest
		message = err.Error()
	case promptgate.KindAdmissionDenied:
		status = http.StatusTooManyRequests
		message = "Rate limit exceeded. Please slow down."
		if after := promptgate.RetryAfterOf(err); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(after))
		}
	case promptgate.KindPolicyViolation:
		status = http.StatusBadRequest
		if errors.Is(err, promptgate.ErrInjectionDetected) {
			message = "Prompt injection detected. Please rephrase your message."
		} else {
			message = "Content violates our usage policies. Please modify your message."
		}
	case promptgate.KindUpstreamUnavailable:
		status = http.StatusServiceUnavailable
		message = "Service temporarily unavailable. Please try again later."
		if after := promptgate.RetryAfterOf(err); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(after))
		}
	case promptgate.KindUpstreamError:
		status = http.StatusBadGateway
		message = "Upstream provider error."
	default:
		status = http.StatusInternalServerError
		message = "Internal server error."
	}

	if status >= 500 {
		s.logger.Error("request failed", "request_id", requestID, "error", err)
	} else {
		s.logger.Warn("request rejected", "request_id", requestID, "kind", kind.String(), "error", err)
	}

	s.writeJSON(w, status, errorBody{
		Error:     kind.String(),
		Message:   message,
		RequestID: requestID,
	})
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*promptgate.ChatRequest, bool) {
	var req promptgate.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, &promptgate.GuardError{
			Kind:  promptgate.KindInvalidRequest,
			Stage: "decode",
			Err:   fmt.Errorf("%w: %v", promptgate.ErrInvalidRequest, err),
		})
		return nil, false
	}
	req.ClientIP = clientIP(r)
	return &req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.pipeline.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type streamChunkBody struct {
	Content string `json:"content"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported by connection"))
		return
	}

	stream, err := s.pipeline.CompleteStream(r.Context(), req)
	if err != nil {
		// Policy rejections surface inside the stream so SSE clients
		// see them; everything else fails before the stream opens.
		if promptgate.KindOf(err) == promptgate.KindPolicyViolation {
			requestID := promptgate.RequestIDFrom(r.Context())
			s.logger.Warn("stream rejected", "request_id", requestID, "error", err)
			s.startSSE(w)
			message := "Content violates our usage policies. Please modify your message."
			if errors.Is(err, promptgate.ErrInjectionDetected) {
				message = "Prompt injection detected. Please rephrase your message."
			}
			data, _ := json.Marshal(map[string]string{"error": message})
			fmt.Fprintf(w, "data: %s\n\n", data)
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.startSSE(w)

	err = stream.Drain(func(chunk promptgate.StreamChunk) error {
		if chunk.Content == "" {
			return nil
		}
		data, err := json.Marshal(streamChunkBody{Content: chunk.Content})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are already sent; surface the failure in-band.
		s.logger.Error("stream failed", "request_id", promptgate.RequestIDFrom(r.Context()), "error", err)
		data, _ := json.Marshal(map[string]string{"error": "stream interrupted"})
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

type healthBody struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Checks  map[string]bool `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	breakerOK := s.pipeline.BreakerState() != promptgate.BreakerOpen

	_, cacheErr := s.pipeline.Cache().Stats(r.Context())

	checks := map[string]bool{
		"circuit_breaker": breakerOK,
		"store":           cacheErr == nil,
	}

	status := "healthy"
	for _, ok := range checks {
		if !ok {
			status = "degraded"
			break
		}
	}

	s.writeJSON(w, http.StatusOK, healthBody{
		Status:  status,
		Version: s.version,
		Checks:  checks,
	})
}

// parseDay reads a ?date=YYYY-MM-DD query, defaulting to today.
func parseDay(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}

func (s *Server) handleDailyCosts(w http.ResponseWriter, r *http.Request) {
	day, err := parseDay(r)
	if err != nil {
		s.writeError(w, r, &promptgate.GuardError{
			Kind:  promptgate.KindInvalidRequest,
			Stage: "costs",
			Err:   fmt.Errorf("%w: invalid date, expected YYYY-MM-DD", promptgate.ErrInvalidRequest),
		})
		return
	}

	agg, err := s.pipeline.Ledger().DailyCost(r.Context(), day)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleMonthlyCosts(w http.ResponseWriter, r *http.Request) {
	month := time.Now().UTC()
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			s.writeError(w, r, &promptgate.GuardError{
				Kind:  promptgate.KindInvalidRequest,
				Stage: "costs",
				Err:   fmt.Errorf("%w: invalid month, expected YYYY-MM", promptgate.ErrInvalidRequest),
			})
			return
		}
		month = parsed
	}

	agg, err := s.pipeline.Ledger().MonthlyCost(r.Context(), month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Cache().Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
