package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Identification headers sent unless the caller supplies their own.
const (
	DefaultUserAgent = "citefetch (https://github.com/JakeFAU/citefetch; mailto:team@citefetch.org)"
	DefaultFrom      = "team@citefetch.org"
)

// DefaultProxyHost is the only host routed through the static-IP proxy.
const DefaultProxyHost = "citeseerx.ist.psu.edu"

// RetryPolicy governs transport-level retries on server error statuses.
type RetryPolicy struct {
	Total           int
	BackoffFactor   float64
	StatusForcelist []int
}

// FastRetryPolicy never retries at the transport level.
var FastRetryPolicy = RetryPolicy{
	Total:           0,
	BackoffFactor:   0.1,
	StatusForcelist: []int{500, 502, 503, 504},
}

// SlowRetryPolicy retries once at the transport level.
var SlowRetryPolicy = RetryPolicy{
	Total:           1,
	BackoffFactor:   0.1,
	StatusForcelist: []int{500, 502, 503, 504},
}

// RetryPolicyFor selects the transport policy for a request.
func RetryPolicyFor(askSlowly bool) RetryPolicy {
	if askSlowly {
		return SlowRetryPolicy
	}
	return FastRetryPolicy
}

// Retryable reports whether status is in the forcelist.
func (p RetryPolicy) Retryable(status int) bool {
	return slices.Contains(p.StatusForcelist, status)
}

// Backoff returns the sleep before the retry following attemptNum (0-based).
// The first retry is immediate; later ones grow as factor * 2^(n-1) seconds.
// A Retry-After header in seconds on a 503 takes precedence, capped at
// maxWait when maxWait is positive.
func (p RetryPolicy) Backoff(attemptNum int, resp *http.Response, maxWait time.Duration) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs >= 0 {
			wait := time.Duration(secs) * time.Second
			if maxWait > 0 && wait > maxWait {
				wait = maxWait
			}
			return wait
		}
	}
	consecutive := attemptNum + 1
	if consecutive <= 1 {
		return 0
	}
	seconds := p.BackoffFactor * math.Pow(2, float64(consecutive-1))
	return time.Duration(seconds * float64(time.Second))
}

// TransportConfig configures identification and the proxy override.
type TransportConfig struct {
	UserAgent string
	From      string
	// ProxyHost is routed through ProxyURL over https.
	ProxyHost string
	// ProxyURL is the static-IP proxy endpoint. Empty leaves ProxyHost unproxied.
	ProxyURL string
}

// Transport issues single GET requests with status-code retry.
type Transport struct {
	userAgent string
	from      string
	proxyHost string
	proxyURL  *url.URL
	logger    *zap.Logger
}

// NewTransport validates cfg and builds a Transport.
func NewTransport(cfg TransportConfig, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		userAgent: valueOr(cfg.UserAgent, DefaultUserAgent),
		from:      valueOr(cfg.From, DefaultFrom),
		proxyHost: strings.ToLower(valueOr(cfg.ProxyHost, DefaultProxyHost)),
		logger:    logger,
	}
	if strings.TrimSpace(cfg.ProxyURL) != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		t.proxyURL = proxy
	}
	return t, nil
}

// Do performs one GET for req.URL. Retryable statuses are retried per the
// request's RetryPolicy; when retries run out the last response is returned
// rather than an error. The caller must Close or fully read the Response.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	target, proxy, err := t.route(req.URL)
	if err != nil {
		return nil, err
	}

	client := t.newClient(req, proxy)
	attemptCtx, cancel := context.WithCancelCause(ctx)
	release := func(cause error) {
		cancel(cause)
		client.HTTPClient.CloseIdleConnections()
	}

	httpReq, err := retryablehttp.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		release(nil)
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = t.headers(req.Headers)
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		release(nil)
		return nil, err
	}
	return newResponse(resp, req.Stream, req.ReadTimeout, release, t.logger), nil
}

// route forces https and the proxy for the proxy host; every other host goes
// direct regardless of process proxy settings.
func (t *Transport) route(rawURL string) (string, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if !strings.EqualFold(u.Hostname(), t.proxyHost) {
		return rawURL, nil, nil
	}
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	if t.proxyURL == nil {
		t.logger.Warn("no static ip proxy configured", zap.String("host", t.proxyHost))
	}
	return u.String(), t.proxyURL, nil
}

func (t *Transport) headers(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	if _, ok := out["User-Agent"]; !ok {
		out.Set("User-Agent", t.userAgent)
	}
	if _, ok := out["From"]; !ok {
		out.Set("From", t.from)
	}
	return out
}

func (t *Transport) newClient(req Request, proxy *url.URL) *retryablehttp.Client {
	policy := RetryPolicyFor(req.AskSlowly)
	return &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport: newHTTPTransport(req, proxy),
		},
		Logger:     leveledLogger{t.logger.Sugar()},
		RetryMax:   policy.Total,
		CheckRetry: checkRetry(policy),
		Backoff: func(_, _ time.Duration, attemptNum int, resp *http.Response) time.Duration {
			return policy.Backoff(attemptNum, resp, req.ReadTimeout)
		},
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
}

func checkRetry(policy RetryPolicy) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, context.Cause(ctx)
		}
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return policy.Retryable(resp.StatusCode), nil
	}
}

func newHTTPTransport(req Request, proxy *url.URL) *http.Transport {
	var proxyFunc func(*http.Request) (*url.URL, error)
	if proxy != nil {
		proxyFunc = http.ProxyURL(proxy)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   req.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   req.ConnectTimeout,
		ResponseHeaderTimeout: req.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// #nosec G402 -- verification is opt-in per request.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !req.Verify},
	}
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.l.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.l.Warnw(msg, keysAndValues...)
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
