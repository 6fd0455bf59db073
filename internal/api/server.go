package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/config"
	"github.com/JakeFAU/citefetch/internal/fetch"
	"github.com/JakeFAU/citefetch/internal/logging"
	"github.com/JakeFAU/citefetch/internal/metrics"
)

// maxRequestBodyBytes caps the JSON payload accepted by POST /v1/fetch.
const maxRequestBodyBytes = 1 << 20

// Fetcher retrieves a single document. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Server wires HTTP handlers to the fetcher.
type Server struct {
	router  chi.Router
	fetcher Fetcher
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(fetcher Fetcher, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.fetch)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetcher not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), s.logger)
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetcher not configured")
		return
	}

	var body fetchRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := s.toFetchRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.fetcher.Fetch(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		logger.Warn("fetch failed", zap.String("url", req.URL), zap.Int("status", status), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toFetchResponse(requestIDFromContext(r.Context()), result, body.IncludeBody))
}

func (s *Server) toFetchRequest(body fetchRequest) (fetch.Request, error) {
	if strings.TrimSpace(body.URL) == "" {
		return fetch.Request{}, errors.New("url required")
	}
	req := s.cfg.Request(body.URL)
	req.Publisher = body.Publisher
	req.AskSlowly = body.AskSlowly
	req.Stream = boolOrDefault(body.Stream, req.Stream)
	req.Verify = boolOrDefault(body.Verify, req.Verify)
	if body.ConnectTimeoutSeconds != nil {
		req.ConnectTimeout = secondsToDuration(*body.ConnectTimeoutSeconds)
	}
	if body.ReadTimeoutSeconds != nil {
		req.ReadTimeout = secondsToDuration(*body.ReadTimeoutSeconds)
	}
	if len(body.Headers) > 0 {
		req.Headers = make(http.Header, len(body.Headers))
		for k, v := range body.Headers {
			req.Headers.Set(k, v)
		}
	}
	for name, value := range body.Cookies {
		req.Cookies = append(req.Cookies, &http.Cookie{Name: name, Value: value})
	}
	if err := req.Validate(); err != nil {
		return fetch.Request{}, err
	}
	return req, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, fetch.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, fetch.ErrReadTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type fetchRequest struct {
	URL                   string            `json:"url"`
	Headers               map[string]string `json:"headers"`
	Cookies               map[string]string `json:"cookies"`
	ConnectTimeoutSeconds *float64          `json:"connect_timeout_seconds"`
	ReadTimeoutSeconds    *float64          `json:"read_timeout_seconds"`
	Stream                *bool             `json:"stream"`
	Verify                *bool             `json:"verify"`
	Publisher             string            `json:"publisher"`
	AskSlowly             bool              `json:"ask_slowly"`
	IncludeBody           bool              `json:"include_body"`
}

type fetchResponse struct {
	RequestID     string      `json:"request_id"`
	StatusCode    int         `json:"status_code"`
	URL           string      `json:"url"`
	Header        http.Header `json:"header"`
	Encoding      string      `json:"encoding"`
	ContentLength int         `json:"content_length"`
	Truncated     bool        `json:"truncated"`
	TooLarge      bool        `json:"too_large"`
	Redirects     int         `json:"redirects"`
	Attempts      int         `json:"attempts"`
	ElapsedMs     int64       `json:"elapsed_ms"`
	// Body is base64 encoded by encoding/json.
	Body []byte `json:"body,omitempty"`
}

func toFetchResponse(requestID string, result *fetch.Result, includeBody bool) fetchResponse {
	resp := fetchResponse{
		RequestID:     requestID,
		StatusCode:    result.StatusCode,
		URL:           result.URL,
		Header:        result.Header,
		Encoding:      result.Encoding,
		ContentLength: len(result.Body),
		Truncated:     result.Truncated,
		TooLarge:      result.TooLarge,
		Redirects:     result.Redirects,
		Attempts:      result.Attempts,
		ElapsedMs:     result.Elapsed.Milliseconds(),
	}
	if includeBody {
		resp.Body = result.Body
	}
	return resp
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(zap.String("request_id", requestIDFromContext(r.Context())))
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), logger)))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
