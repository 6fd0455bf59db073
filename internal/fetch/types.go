package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

// Size limits applied to response bodies.
const (
	// SizeGuardThreshold rejects responses whose declared Content-Length is at
	// least this many bytes. Decimal megabytes, unlike MaxBodyBytes.
	SizeGuardThreshold = 25 * 1000 * 1000
	// MaxBodyBytes caps how much of a streamed body is kept.
	MaxBodyBytes = 25 * 1024 * 1024
	// ChunkSize is the read size used while streaming a body.
	ChunkSize = 1024 * 1024
	// MaxPayloadSizeBytes is declared for callers but not enforced here.
	MaxPayloadSizeBytes = 10 * 1000 * 1000
)

// MaxRedirects bounds the business-logic redirects followed per Fetch call.
const MaxRedirects = 5

// DefaultTimeout applies when a Request leaves a timeout unset.
const DefaultTimeout = 60 * time.Second

// DefaultEncoding is reported when a response does not declare a charset.
const DefaultEncoding = "utf-8"

// Request describes a single logical fetch.
type Request struct {
	URL            string
	Headers        http.Header
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Stream caps the body at MaxBodyBytes while reading it in chunks.
	Stream bool
	// Publisher scopes publisher-specific redirect rules. Optional.
	Publisher string
	// AskSlowly grants one extra attempt and one transport-level retry.
	AskSlowly bool
	// Verify enables TLS certificate verification.
	Verify  bool
	Cookies []*http.Cookie
}

// Validate enforces the request invariants.
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if r.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be > 0", ErrInvalidRequest)
	}
	if r.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be > 0", ErrInvalidRequest)
	}
	return nil
}

func (r Request) withDefaults() Request {
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = DefaultTimeout
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = DefaultTimeout
	}
	return r
}

func (r Request) withURL(target string) Request {
	r.URL = target
	return r
}

// Result is the outcome of a Fetch call after redirect chasing.
type Result struct {
	StatusCode int
	// URL is the final URL after transport and business-logic redirects.
	URL    string
	Header http.Header
	// Body may be truncated (see Truncated) or empty when TooLarge is set.
	Body     []byte
	Encoding string
	// Truncated reports that the streamed body exceeded MaxBodyBytes.
	Truncated bool
	// TooLarge reports that the declared Content-Length failed the size guard
	// and the body was never read. Callers should treat the content as unusable.
	TooLarge  bool
	Redirects int
	Attempts  int
	Elapsed   time.Duration
}

// Text decodes Body using the resolved encoding.
func (r *Result) Text() (string, error) {
	if r == nil {
		return "", errors.New("nil result")
	}
	enc, err := htmlindex.Get(r.Encoding)
	if err != nil {
		return "", fmt.Errorf("lookup encoding %q: %w", r.Encoding, err)
	}
	decoded, err := enc.NewDecoder().Bytes(r.Body)
	if err != nil {
		return "", fmt.Errorf("decode body as %q: %w", r.Encoding, err)
	}
	return string(decoded), nil
}
