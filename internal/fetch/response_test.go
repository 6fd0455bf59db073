package fetch

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// endlessBody yields filler bytes forever and records reads and Close.
type endlessBody struct {
	read   int
	closed bool
}

func (b *endlessBody) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	b.read += len(p)
	return len(p), nil
}

func (b *endlessBody) Close() error {
	b.closed = true
	return nil
}

type trackedBody struct {
	io.Reader
	reads  int
	closed bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	b.reads++
	return b.Reader.Read(p)
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
func (failingBody) Close() error             { return nil }

func newTestResponse(t *testing.T, status int, rawURL string, header http.Header, body io.ReadCloser, stream bool) *Response {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	raw := &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		Request:    httptest.NewRequest(http.MethodGet, rawURL, nil),
	}
	return newResponse(raw, stream, time.Minute, func(error) {}, zap.NewNop())
}

func TestIsTooLarge(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"missing header", http.Header{}, false},
		{"small", http.Header{"Content-Length": {"1024"}}, false},
		{"just under", http.Header{"Content-Length": {"24999999"}}, false},
		{"exactly threshold", http.Header{"Content-Length": {"25000000"}}, true},
		{"above binary ceiling", http.Header{"Content-Length": {"30000000"}}, true},
		{"unparsable", http.Header{"Content-Length": {"lots"}}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsTooLarge(tc.header, "https://pub.example/a.pdf", zap.NewNop()))
		})
	}
}

func TestIsTooLargeLogsURL(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	require.True(t, IsTooLarge(http.Header{"Content-Length": {"26000000"}}, "https://pub.example/huge", zap.New(core)))

	entries := logs.FilterMessage("content too large").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "https://pub.example/huge", entries[0].ContextMap()["url"])
}

func TestReadBoundedTruncatesStreamedBody(t *testing.T) {
	t.Parallel()

	body := &endlessBody{}
	resp := newTestResponse(t, http.StatusOK, "http://big.example/file", nil, body, true)

	data, err := resp.ReadBounded()
	require.NoError(t, err)
	assert.Len(t, data, MaxBodyBytes)
	assert.True(t, resp.Truncated())
	assert.True(t, body.closed, "connection should be closed once the ceiling is passed")
	assert.LessOrEqual(t, body.read, MaxBodyBytes+ChunkSize)
}

func TestReadBoundedKeepsBodyAtCeiling(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("b", MaxBodyBytes)
	resp := newTestResponse(t, http.StatusOK, "http://big.example/exact", nil,
		io.NopCloser(strings.NewReader(payload)), true)

	data, err := resp.ReadBounded()
	require.NoError(t, err)
	assert.Len(t, data, MaxBodyBytes)
	assert.False(t, resp.Truncated())
}

func TestReadBoundedNonStreamReturnsWholeBody(t *testing.T) {
	t.Parallel()

	body := &trackedBody{Reader: strings.NewReader("<html>hello</html>")}
	resp := newTestResponse(t, http.StatusOK, "http://pub.example/", nil, body, false)

	data, err := resp.ReadBounded()
	require.NoError(t, err)
	assert.Equal(t, "<html>hello</html>", string(data))
	assert.True(t, body.closed)
	assert.False(t, resp.Truncated())
}

func TestReadSmallAndBoundedShareOneRead(t *testing.T) {
	t.Parallel()

	body := &trackedBody{Reader: strings.NewReader("short body")}
	resp := newTestResponse(t, http.StatusOK, "http://pub.example/", nil, body, true)

	small, err := resp.ReadSmall()
	require.NoError(t, err)
	reads := body.reads

	big, err := resp.ReadBounded()
	require.NoError(t, err)
	assert.Equal(t, small, big)
	assert.Equal(t, reads, body.reads, "second read should be served from memory")
}

func TestReadBoundedPropagatesReadErrors(t *testing.T) {
	t.Parallel()

	resp := newTestResponse(t, http.StatusOK, "http://pub.example/", nil, failingBody{}, true)

	_, err := resp.ReadBounded()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestReadBoundedIdleTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	transport, err := NewTransport(TransportConfig{}, zap.NewNop())
	require.NoError(t, err)
	resp, err := transport.Do(t.Context(), Request{
		URL:            server.URL,
		ConnectTimeout: time.Second,
		ReadTimeout:    100 * time.Millisecond,
		Stream:         true,
	})
	require.NoError(t, err)

	_, err = resp.ReadBounded()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestResolveEncoding(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		contentType string
		want        string
	}{
		{"", "utf-8"},
		{"text/html", "utf-8"},
		{"text/html; charset=ISO-8859-1", "iso-8859-1"},
		{`text/html; charset="windows-1252"`, "windows-1252"},
		{"not a media type;;", "utf-8"},
	}
	for _, tc := range testCases {
		header := http.Header{}
		if tc.contentType != "" {
			header.Set("Content-Type", tc.contentType)
		}
		assert.Equal(t, tc.want, resolveEncoding(header), "content type %q", tc.contentType)
	}
}

func TestResultText(t *testing.T) {
	t.Parallel()

	result := &Result{Body: []byte{'c', 'a', 'f', 0xe9}, Encoding: "iso-8859-1"}
	text, err := result.Text()
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	_, err = (&Result{Body: []byte("x"), Encoding: "no-such-charset"}).Text()
	assert.Error(t, err)
}
