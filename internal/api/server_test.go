package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/citefetch/internal/config"
	"github.com/JakeFAU/citefetch/internal/fetch"
)

func TestServer_Fetch_Succeeds(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: &fetch.Result{
		StatusCode: http.StatusOK,
		URL:        "https://example.com/final",
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html>ok</html>"),
		Encoding:   "utf-8",
		Redirects:  1,
		Attempts:   2,
		Elapsed:    1500 * time.Millisecond,
	}}
	server := newTestServer(fetcher)

	req := httptest.NewRequest(http.MethodPost, "/v1/fetch",
		bytes.NewBufferString(`{"url":"https://example.com/start","include_body":true}`))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var resp fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "req-123", resp.RequestID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://example.com/final", resp.URL)
	require.Equal(t, []byte("<html>ok</html>"), resp.Body)
	require.Equal(t, 15, resp.ContentLength)
	require.Equal(t, 1, resp.Redirects)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, int64(1500), resp.ElapsedMs)
}

func TestServer_Fetch_OmitsBodyByDefault(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: http.StatusOK, Body: []byte("secret")}}
	rec := httptest.NewRecorder()
	newTestServer(fetcher).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/fetch",
		bytes.NewBufferString(`{"url":"https://example.com"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"body"`)
	require.Contains(t, rec.Body.String(), `"content_length":6`)
}

func TestServer_Fetch_MapsRequest(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: http.StatusOK}}
	server := newTestServer(fetcher)

	payload := `{
		"url": "http://citeseerx.ist.psu.edu/viewdoc?doi=1",
		"headers": {"user-agent": "custom/2.0"},
		"cookies": {"session": "abc"},
		"connect_timeout_seconds": 2.5,
		"stream": true,
		"publisher": "Ovid Technologies (Wolters Kluwer Health)",
		"ask_slowly": true
	}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewBufferString(payload)))
	require.Equal(t, http.StatusOK, rec.Code)

	got := fetcher.lastRequest()
	require.Equal(t, "http://citeseerx.ist.psu.edu/viewdoc?doi=1", got.URL)
	require.Equal(t, "custom/2.0", got.Headers.Get("User-Agent"))
	require.Len(t, got.Cookies, 1)
	require.Equal(t, "abc", got.Cookies[0].Value)
	require.Equal(t, 2500*time.Millisecond, got.ConnectTimeout)
	require.Equal(t, 45*time.Second, got.ReadTimeout, "read timeout falls back to config")
	require.True(t, got.Stream)
	require.False(t, got.Verify)
	require.True(t, got.AskSlowly)
	require.Equal(t, "Ovid Technologies (Wolters Kluwer Health)", got.Publisher)
}

func TestServer_Fetch_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{invalid", "invalid JSON"},
		{"unknown field", `{"url":"https://example.com","max_depth":3}`, "invalid JSON"},
		{"missing url", `{"url":"  "}`, "url required"},
		{"negative timeout", `{"url":"https://example.com","read_timeout_seconds":-1}`, "read timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher := &fakeFetcher{result: &fetch.Result{}}
			rec := httptest.NewRecorder()
			newTestServer(fetcher).Handler().ServeHTTP(rec,
				httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewBufferString(tt.body)))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
			require.Zero(t, fetcher.callCount())
		})
	}
}

func TestServer_Fetch_ErrorStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: url is required", fetch.ErrInvalidRequest), http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"read timeout", fmt.Errorf("read body: %w", fetch.ErrReadTimeout), http.StatusGatewayTimeout},
		{"upstream", errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			newTestServer(&fakeFetcher{err: tt.err}).Handler().ServeHTTP(rec,
				httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewBufferString(`{"url":"https://example.com"}`)))

			require.Equal(t, tt.want, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestServer_Fetch_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	server := NewServer(&fakeFetcher{panicWith: "boom"}, testConfig(), zap.New(core))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewBufferString(`{"url":"https://example.com"}`)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	NewServer(nil, testConfig(), nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(&fakeFetcher{}).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLoggingMiddlewareTagsRequestID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	server := NewServer(&fakeFetcher{}, testConfig(), zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	server.Handler().ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "trace-me", fields["request_id"])
	require.Equal(t, "/healthz", fields["path"])
	require.EqualValues(t, http.StatusOK, fields["status"])
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeFetcher struct {
	mu        sync.Mutex
	requests  []fetch.Request
	result    *fetch.Result
	err       error
	panicWith string
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetch.Request) (*fetch.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &fetch.Result{StatusCode: http.StatusOK}, nil
	}
	return f.result, nil
}

func (f *fakeFetcher) lastRequest() fetch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
		Fetch: config.FetchConfig{
			ConnectTimeoutSeconds: 10,
			ReadTimeoutSeconds:    45,
		},
		Proxy:   config.ProxyConfig{Host: fetch.DefaultProxyHost},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(fetcher Fetcher) *Server {
	return NewServer(fetcher, testConfig(), zap.NewNop())
}
