package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/metrics"
)

// IsTooLarge reports whether the declared Content-Length rules the payload out
// before any body read. A missing or unparsable header cannot be judged and
// returns false.
func IsTooLarge(header http.Header, rawURL string, logger *zap.Logger) bool {
	length, ok := declaredLength(header)
	if !ok {
		return false
	}
	if length >= SizeGuardThreshold {
		if logger != nil {
			logger.Info("content too large",
				zap.String("url", rawURL),
				zap.Int64("content_length", length),
			)
		}
		metrics.ObserveSizeRejection(rawURL)
		return true
	}
	return false
}

func declaredLength(header http.Header) (int64, bool) {
	raw := strings.TrimSpace(header.Get("Content-Length"))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Response owns a raw *http.Response and exposes bounded body reads. Reads are
// memoized, so sniffing a body for redirects and later using it as content
// costs one network read.
type Response struct {
	StatusCode int
	URL        string
	Header     http.Header
	Encoding   string

	raw       *http.Response
	body      io.Reader
	stream    bool
	logger    *zap.Logger
	release   func()
	content   []byte
	readErr   error
	read      bool
	closed    bool
	truncated bool
}

func newResponse(
	raw *http.Response,
	stream bool,
	readTimeout time.Duration,
	release context.CancelCauseFunc,
	logger *zap.Logger,
) *Response {
	finalURL := ""
	if raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}
	timer := time.AfterFunc(readTimeout, func() {
		release(ErrReadTimeout)
	})
	return &Response{
		StatusCode: raw.StatusCode,
		URL:        finalURL,
		Header:     raw.Header,
		Encoding:   resolveEncoding(raw.Header),
		raw:        raw,
		body:       &idleTimeoutReader{r: raw.Body, timer: timer, timeout: readTimeout},
		stream:     stream,
		logger:     logger,
		release: func() {
			timer.Stop()
			release(nil)
		},
	}
}

// ReadSmall returns the body for redirect sniffing. It currently reads
// exactly what ReadBounded reads.
func (r *Response) ReadSmall() ([]byte, error) {
	return r.ReadBounded()
}

// ReadBounded returns the body. Streamed responses are read in ChunkSize
// chunks and cut at MaxBodyBytes; the connection is closed once the cap is
// passed and the truncated bytes are returned without error. Non-streamed
// responses are returned whole.
func (r *Response) ReadBounded() ([]byte, error) {
	if r.read {
		return r.content, r.readErr
	}
	r.read = true
	defer r.Close()

	if !r.stream {
		r.content, r.readErr = r.readAll()
		return r.content, r.readErr
	}

	var buf bytes.Buffer
	chunk := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(r.body, chunk)
		buf.Write(chunk[:n])
		if buf.Len() > MaxBodyBytes {
			r.truncated = true
			r.content = buf.Bytes()[:MaxBodyBytes]
			if r.logger != nil {
				r.logger.Info("webpage is too big, keeping only the first bytes",
					zap.String("url", r.URL),
					zap.Int("max_bytes", MaxBodyBytes),
				)
			}
			metrics.ObserveTruncation(r.URL)
			return r.content, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.content = buf.Bytes()
			return r.content, nil
		}
		if err != nil {
			r.readErr = fmt.Errorf("read body %s: %w", r.URL, err)
			return nil, r.readErr
		}
	}
}

func (r *Response) readAll() ([]byte, error) {
	data, err := io.ReadAll(r.body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", r.URL, err)
	}
	return data, nil
}

// Truncated reports whether ReadBounded cut the body at MaxBodyBytes.
func (r *Response) Truncated() bool {
	return r.truncated
}

// Close releases the connection. Safe to call more than once.
func (r *Response) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.raw != nil && r.raw.Body != nil {
		if err := r.raw.Body.Close(); err != nil && r.logger != nil {
			r.logger.Debug("close response body", zap.String("url", r.URL), zap.Error(err))
		}
	}
	if r.release != nil {
		r.release()
	}
}

// idleTimeoutReader fails a read that waits longer than timeout for bytes.
type idleTimeoutReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (t *idleTimeoutReader) Read(p []byte) (int, error) {
	t.timer.Reset(t.timeout)
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && !t.timer.Stop() {
		return n, fmt.Errorf("%w after %s: %w", ErrReadTimeout, t.timeout, err)
	}
	return n, err
}

func resolveEncoding(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return DefaultEncoding
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return DefaultEncoding
	}
	charset := strings.ToLower(strings.Trim(params["charset"], `"' `))
	if charset == "" {
		return DefaultEncoding
	}
	return charset
}
