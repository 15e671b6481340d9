// Package fetch retrieves single resources from the source site through a
// rotating pool of egress identities. It classifies every response and
// contains retries for rate limiting and connection failures, surfacing only
// terminal outcomes to the caller. It never writes to storage.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FranksOps/instaharvest/internal/bypass"
	"github.com/FranksOps/instaharvest/internal/cooldown"
	"github.com/FranksOps/instaharvest/internal/fingerprint"
	"github.com/FranksOps/instaharvest/internal/metrics"
	"github.com/FranksOps/instaharvest/internal/payload"
	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/FranksOps/instaharvest/pkg/backoff"
	"github.com/FranksOps/instaharvest/pkg/egress"
	"github.com/FranksOps/instaharvest/pkg/ratelimit"
)

// DefaultBaseURL is the origin all page paths are resolved against.
const DefaultBaseURL = "https://www.instagram.com"

// DefaultMaxAttempts bounds the requests made for one resource.
const DefaultMaxAttempts = 10

type contextKey string

const proxyKey contextKey = "proxy_url"

// Config configures a Fetcher.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxRedirects of zero means 10; negative disables following.
	MaxRedirects int
	UseCookieJar bool
	// MaxBodyBytes caps a response body. Zero means 32 MiB.
	MaxBodyBytes int64
	Fingerprint  fingerprint.Profile

	// Egress enables identity rotation. Nil issues requests directly with
	// user agents drawn from UserAgents.
	Egress     *egress.Pool
	UserAgents *egress.Agents

	Limiter  *ratelimit.Limiter
	Cooldown cooldown.Gate

	// InitialBackoff is the first rate-limit delay of each Fetch call; it
	// doubles on every further 429 up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RotateOnRateLimit draws a new identity before retrying a 429.
	RotateOnRateLimit bool
	// MaxAttempts caps requests per resource. Zero means DefaultMaxAttempts,
	// negative means unlimited.
	MaxAttempts int

	// Sleep waits out a backoff delay. Nil uses a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Fetcher performs resource fetches. It is safe for concurrent use; workers
// share one Fetcher and with it the identity pool and connection pool.
type Fetcher struct {
	cfg    Config
	base   *url.URL
	client *session
	logger *slog.Logger
}

// Payload is one successful page capture.
type Payload struct {
	Category   resource.Category
	Key        string
	URL        string
	Text       string
	CapturedAt time.Time
	Attempts   int
	Identity   egress.Identity
}

// Envelope returns the persisted form of the capture.
func (p *Payload) Envelope() payload.Envelope {
	return payload.Envelope{CapturedAt: p.CapturedAt, Text: p.Text}
}

// Image is a downloaded display image.
type Image struct {
	URL         string
	Filename    string
	ContentType string
	Data        []byte
	CapturedAt  time.Time
	Attempts    int
}

// New initializes a Fetcher. One transport is built per Fetcher so that
// connections and cookies persist across requests; the egress proxy is
// chosen per request through the request context.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = egress.NewAgents(nil)
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = cooldown.Nop{}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if u, ok := req.Context().Value(proxyKey).(*url.URL); ok {
			return u, nil
		}
		return nil, nil
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{Proxy: proxyFunc})
	if err != nil {
		return nil, fmt.Errorf("setup transport: %w", err)
	}

	client, err := newSession(transport, cfg.Timeout, cfg.MaxRedirects, cfg.UseCookieJar, cfg.MaxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Fetcher{cfg: cfg, base: base, client: client, logger: cfg.Logger}, nil
}

// URL returns the page URL of a resource.
func (f *Fetcher) URL(category resource.Category, key string) string {
	return f.base.String() + category.PagePath(key)
}

// Fetch retrieves the page of one resource and returns its embedded JSON.
// A resource the site reports as gone yields an error matching ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context, category resource.Category, key string) (*Payload, error) {
	if err := category.ValidateKey(key); err != nil {
		return nil, err
	}
	target := f.URL(category, key)
	log := f.logger.With("category", category, "key", key)

	res, err := f.get(ctx, log, category, target, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}

	text, err := payload.Extract(res.body)
	if err != nil {
		detection := string(bypass.Detect(res.response()))
		log.Warn("unexpected page format", "url", target, "detection", detection, "err", err)
		return nil, &Error{
			URL:        target,
			Attempts:   res.attempts,
			Identity:   res.identity,
			StatusCode: res.status,
			Detection:  detection,
			Err:        fmt.Errorf("%w: %w", ErrMalformedResponse, err),
		}
	}

	log.Debug("fetched", "url", target, "attempts", res.attempts, "bytes", len(text))
	return &Payload{
		Category:   category,
		Key:        key,
		URL:        target,
		Text:       text,
		CapturedAt: res.capturedAt,
		Attempts:   res.attempts,
		Identity:   res.identity,
	}, nil
}

// FetchImage downloads the display image referenced by an already fetched
// payload, through the same identity rotation as page fetches.
func (f *Fetcher) FetchImage(ctx context.Context, p *Payload) (*Image, error) {
	imageURL, err := payload.ImageURL(p.Text)
	if err != nil {
		if errors.Is(err, payload.ErrNoImage) {
			return nil, fmt.Errorf("%s %s: %w", p.Category, p.Key, ErrNoImageAvailable)
		}
		return nil, fmt.Errorf("%s %s: %w: %w", p.Category, p.Key, ErrMalformedResponse, err)
	}

	log := f.logger.With("category", p.Category, "key", p.Key)
	res, err := f.get(ctx, log, p.Category, imageURL, "image/avif,image/webp,image/*,*/*;q=0.8")
	if err != nil {
		return nil, err
	}

	return &Image{
		URL:         imageURL,
		Filename:    payload.ImageFilename(imageURL),
		ContentType: res.header.Get("Content-Type"),
		Data:        res.body,
		CapturedAt:  res.capturedAt,
		Attempts:    res.attempts,
	}, nil
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.client.close()
}

type result struct {
	status     int
	header     http.Header
	body       []byte
	capturedAt time.Time
	attempts   int
	identity   egress.Identity
}

func (r *result) response() bypass.Response {
	return bypass.Response{StatusCode: r.status, Header: r.header, Body: r.body}
}

// get runs the retry loop for one URL. The backoff sequence starts over on
// every call.
func (f *Fetcher) get(ctx context.Context, log *slog.Logger, category resource.Category, target, accept string) (*result, error) {
	delay := backoff.New(f.cfg.InitialBackoff, f.cfg.MaxBackoff)

	var (
		id      egress.Identity
		rotate  = true
		lastErr error
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if rotate {
			var err error
			if id, err = f.identity(); err != nil {
				return nil, &Error{URL: target, Attempts: attempt - 1, Err: err}
			}
			rotate = false
		}

		if err := f.cfg.Cooldown.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for cooldown: %w", err)
		}
		if err := f.cfg.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		res, err := f.do(ctx, target, accept, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, ErrBodyTooLarge) {
				return nil, &Error{URL: target, Attempts: attempt, Identity: id, Err: err}
			}

			f.reportFailure(id)
			lastErr = err
			log.Info("connection failed, rotating identity", "url", target, "proxy", id, "attempt", attempt, "err", err)
			if f.exhausted(attempt) {
				return nil, exhaustedError(target, attempt, id, lastErr)
			}
			metrics.RecordRetry(string(category), "transport", 0)
			rotate = true
			continue
		}

		res.attempts = attempt
		res.identity = id
		if wall := walled(res); wall != "" {
			f.reportFailure(id)
			lastErr = &StatusError{Code: res.status, URL: target, Detection: wall}
			log.Info("blocked by site wall, rotating identity", "url", target, "proxy", id, "attempt", attempt, "detection", wall)
			if f.exhausted(attempt) {
				e := exhaustedError(target, attempt, id, lastErr)
				e.Detection = wall
				return nil, e
			}
			metrics.RecordRetry(string(category), "wall", 0)
			rotate = true
			continue
		}
		if f.cfg.Egress != nil {
			f.cfg.Egress.ReportSuccess(id)
		}

		switch {
		case res.status >= 200 && res.status < 300:
			return res, nil

		case res.status == http.StatusNotFound:
			log.Info("not found", "url", target, "proxy", id)
			return nil, &Error{URL: target, Attempts: attempt, Identity: id, StatusCode: res.status, Err: ErrNotFound}

		case res.status == http.StatusTooManyRequests:
			lastErr = &StatusError{Code: res.status, URL: target}
			if f.exhausted(attempt) {
				return nil, exhaustedError(target, attempt, id, lastErr)
			}
			d := delay.Next()
			log.Info("rate limited, backing off", "url", target, "proxy", id, "attempt", attempt, "delay", d)
			metrics.RecordRetry(string(category), "rate_limited", d)
			if err := f.cfg.Cooldown.Extend(ctx, d); err != nil {
				log.Warn("failed to share cooldown", "err", err)
			}
			if err := f.cfg.Sleep(ctx, d); err != nil {
				return nil, err
			}
			rotate = f.cfg.RotateOnRateLimit
			continue

		default:
			detection := string(bypass.Detect(res.response()))
			return nil, &Error{
				URL:        target,
				Attempts:   attempt,
				Identity:   id,
				StatusCode: res.status,
				Detection:  detection,
				Err:        &StatusError{Code: res.status, URL: target, Detection: detection},
			}
		}
	}
}

// walled reports the site's own login wall or account checkpoint. These
// pages are tied to the identity, so another identity may get through.
func walled(res *result) string {
	switch src := bypass.Detect(res.response()); src {
	case bypass.LoginWall, bypass.Checkpoint:
		return string(src)
	}
	return ""
}

func exhaustedError(target string, attempts int, id egress.Identity, last error) *Error {
	return &Error{
		URL:        target,
		Attempts:   attempts,
		Identity:   id,
		StatusCode: statusOf(last),
		Err:        fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last),
	}
}

// do issues one GET through id and reads the whole body. CapturedAt is
// stamped once the body is in memory.
func (f *Fetcher) do(ctx context.Context, target, accept string, id egress.Identity) (*result, error) {
	if id.Proxy != nil {
		ctx = context.WithValue(ctx, proxyKey, id.Proxy)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", id.UserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, body, err := f.client.roundTrip(req)
	if err != nil {
		return nil, err
	}

	return &result{
		status:     resp.StatusCode,
		header:     resp.Header,
		body:       body,
		capturedAt: time.Now().UTC(),
	}, nil
}

func (f *Fetcher) identity() (egress.Identity, error) {
	if f.cfg.Egress == nil {
		return egress.Identity{UserAgent: f.cfg.UserAgents.Sequential()}, nil
	}
	return f.cfg.Egress.Next()
}

func (f *Fetcher) reportFailure(id egress.Identity) {
	if f.cfg.Egress == nil || id.Proxy == nil {
		return
	}
	f.cfg.Egress.ReportFailure(id)
	metrics.ProxyFailures.WithLabelValues(id.Proxy.Redacted()).Inc()
}

func (f *Fetcher) exhausted(attempt int) bool {
	return f.cfg.MaxAttempts > 0 && attempt >= f.cfg.MaxAttempts
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
