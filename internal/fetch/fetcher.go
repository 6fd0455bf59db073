package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/metrics"
	"github.com/JakeFAU/citefetch/internal/publisher"
)

// Doer issues a single GET. *Transport satisfies it.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HostLimiter paces requests per host. *ratelimit.Limiter satisfies it.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher runs the attempt loop and the redirect chase. It holds no per-call
// state and is safe for concurrent use.
type Fetcher struct {
	transport  Doer
	resolver   *Resolver
	links      LinkResolver
	publishers PublisherMatcher
	attempts   *AttemptPolicy
	limiter    HostLimiter
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

const tracerName = "github.com/JakeFAU/citefetch/internal/fetch"

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithResolver replaces the redirect rule chain.
func WithResolver(r *Resolver) Option {
	return func(f *Fetcher) {
		f.resolver = r
	}
}

// WithPublisherMatcher sets how publisher hints are compared by the default rules.
func WithPublisherMatcher(m PublisherMatcher) Option {
	return func(f *Fetcher) {
		f.publishers = m
	}
}

// WithLinkResolver sets how relative redirect targets are resolved by the default rules.
func WithLinkResolver(l LinkResolver) Option {
	return func(f *Fetcher) {
		f.links = l
	}
}

// WithAttemptPolicy replaces the application-level retry policy.
func WithAttemptPolicy(p *AttemptPolicy) Option {
	return func(f *Fetcher) {
		f.attempts = p
	}
}

// WithHostLimiter paces every GET, redirect hops included.
func WithHostLimiter(l HostLimiter) Option {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

// WithTracerProvider sets where fetch spans go; the global provider is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Fetcher) {
		if tp != nil {
			f.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithDoer replaces the transport.
func WithDoer(d Doer) Option {
	return func(f *Fetcher) {
		f.transport = d
	}
}

// WithClock overrides time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// New builds a Fetcher over a Transport configured from cfg and the default
// redirect rules.
func New(cfg TransportConfig, opts ...Option) (*Fetcher, error) {
	metrics.Init()
	f := &Fetcher{
		links:      URLJoiner{},
		publishers: publisher.NewMatcher(),
		attempts:   NewAttemptPolicy(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer(tracerName)
	}
	if f.transport == nil {
		t, err := NewTransport(cfg, f.logger.Named("transport"))
		if err != nil {
			return nil, err
		}
		f.transport = t
	}
	if f.resolver == nil {
		f.resolver = NewResolver(f.logger.Named("redirect"), DefaultRules(f.links, f.publishers)...)
	}
	return f, nil
}

// Fetch retrieves req.URL, chasing business-logic redirects and retrying
// failed attempts. After the attempt budget is spent the last error is
// returned unwrapped.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	req = req.withDefaults()

	ctx, span := f.tracer.Start(ctx, "fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fetch.url", req.URL),
			attribute.String("fetch.publisher", req.Publisher),
			attribute.Bool("fetch.ask_slowly", req.AskSlowly),
		),
	)
	defer span.End()

	start := f.now()
	logger := f.logger.With(
		zap.String("fetch_id", uuid.NewString()),
		zap.String("url", req.URL),
	)
	logger.Info("live get")

	outcome := "error"
	defer func() {
		elapsed := f.now().Sub(start)
		logger.Info("finished fetch", zap.Duration("elapsed", elapsed), zap.String("outcome", outcome))
		metrics.ObserveFetch(req.URL, outcome, elapsed)
	}()

	if err := req.Validate(); err != nil {
		outcome = "invalid"
		logger.Info("invalid request", zap.Error(err))
		failSpan(span, err, 0)
		return nil, err
	}

	maxTries := f.attempts.MaxTries(req.AskSlowly)
	for attempt := 1; ; attempt++ {
		result, err := f.chase(ctx, req, logger)
		if err == nil {
			metrics.ObserveAttempt("success")
			outcome = "success"
			result.Attempts = attempt
			result.Elapsed = f.now().Sub(start)
			span.SetAttributes(
				attribute.String("fetch.final_url", result.URL),
				attribute.Int("http.status_code", result.StatusCode),
				attribute.Int("fetch.attempts", attempt),
				attribute.Int("fetch.redirects", result.Redirects),
				attribute.Bool("fetch.truncated", result.Truncated),
				attribute.Bool("fetch.too_large", result.TooLarge),
			)
			return result, nil
		}
		metrics.ObserveAttempt("error")
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("fetch.attempt", attempt),
			attribute.String("error", err.Error()),
		))
		if !f.attempts.ShouldRetry(ctx, err) {
			logger.Info("fatal error in fetch", zap.Int("attempt", attempt), zap.Error(err))
			failSpan(span, err, attempt)
			return nil, err
		}
		logger.Info("exception in fetch attempt", zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= maxTries {
			logger.Info("tried too many times, giving up", zap.Int("max_tries", maxTries))
			failSpan(span, err, attempt)
			return nil, err
		}
		logger.Info("got an exception, trying again")
		if sleepErr := sleepWithContext(ctx, f.attempts.Backoff(attempt)); sleepErr != nil {
			failSpan(span, sleepErr, attempt)
			return nil, sleepErr
		}
	}
}

func failSpan(span trace.Span, err error, attempts int) {
	span.SetAttributes(attribute.Int("fetch.attempts", attempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// chase fetches until no redirect rule fires or MaxRedirects is reached.
func (f *Fetcher) chase(ctx context.Context, req Request, logger *zap.Logger) (*Result, error) {
	target := req.URL
	hops := 0
	for {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, target); err != nil {
				return nil, err
			}
		}
		resp, err := f.transport.Do(ctx, req.withURL(target))
		if err != nil {
			return nil, err
		}
		tooLarge := IsTooLarge(resp.Header, resp.URL, logger)
		if resp.StatusCode == http.StatusOK && hops < MaxRedirects && !tooLarge {
			body, err := resp.ReadSmall()
			if err != nil {
				return nil, err
			}
			decision, ok := f.resolver.Resolve(Document{
				URL:       resp.URL,
				Header:    resp.Header,
				Body:      body,
				Publisher: req.Publisher,
			})
			if ok {
				resp.Close()
				hops++
				metrics.ObserveRedirect(decision.Rule)
				trace.SpanFromContext(ctx).AddEvent("business-logic redirect", trace.WithAttributes(
					attribute.String("redirect.rule", decision.Rule),
					attribute.String("redirect.to", decision.URL),
				))
				target = decision.URL
				continue
			}
		}
		return f.finish(resp, hops, tooLarge)
	}
}

func (f *Fetcher) finish(resp *Response, hops int, tooLarge bool) (*Result, error) {
	defer resp.Close()
	result := &Result{
		StatusCode: resp.StatusCode,
		URL:        resp.URL,
		Header:     resp.Header,
		Encoding:   resp.Encoding,
		TooLarge:   tooLarge,
		Redirects:  hops,
	}
	if tooLarge {
		return result, nil
	}
	body, err := resp.ReadBounded()
	if err != nil {
		return nil, err
	}
	result.Body = body
	result.Truncated = resp.Truncated()
	return result, nil
}
