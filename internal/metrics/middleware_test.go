package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstrumentedRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
	})
	return r
}

func TestMiddlewareCountsByMethodAndCode(t *testing.T) {
	Init()
	server := httptest.NewServer(newInstrumentedRouter())
	t.Cleanup(server.Close)

	counter := func(method, code string) float64 {
		return testutil.ToFloat64(httpRequestsTotal.WithLabelValues(method, code))
	}
	healthy, failed, missing := counter("GET", "200"), counter("POST", "502"), counter("GET", "404")
	seriesBefore := testutil.CollectAndCount(httpRequestDurationSeconds)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Post(server.URL+"/v1/fetch", "application/json", strings.NewReader(`{"url":"https://doi.org/10.1/x"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Get(server.URL + "/v1/unknown")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, healthy+1, counter("GET", "200"))
	assert.Equal(t, failed+1, counter("POST", "502"))
	assert.Equal(t, missing+1, counter("GET", "404"))
	assert.Greater(t, testutil.CollectAndCount(httpRequestDurationSeconds), seriesBefore,
		"latency is observed per method and route pattern")
}

func TestMiddlewareWithoutRouteContext(t *testing.T) {
	Init()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "204"))

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/fetch", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "204")))
}
