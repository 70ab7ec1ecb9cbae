package overpass

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/resilience"
)

// ErrSourceUnavailable matches any *SourceUnavailableError via errors.Is.
var ErrSourceUnavailable = eris.New("overpass: source unavailable")

// MirrorFailure records why one mirror attempt failed.
type MirrorFailure struct {
	Mirror     string
	Attempt    int
	StatusCode int
	Transient  bool
	Duration   time.Duration
	Err        error
}

func (f MirrorFailure) String() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", f.Mirror, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Mirror, f.Err)
}

// SourceUnavailableError is returned when no mirror produced a usable
// answer. The run must stop; no partial dataset is returned.
type SourceUnavailableError struct {
	Failures []MirrorFailure
	// Cause is set when the caller's context ended before every mirror
	// was tried.
	Cause error
}

func (e *SourceUnavailableError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	msg := fmt.Sprintf("overpass: all %d mirror attempts failed", len(e.Failures))
	if e.Cause != nil {
		msg = fmt.Sprintf("overpass: stopped after %d mirror attempts: %v", len(e.Failures), e.Cause)
	}
	if len(parts) > 0 {
		msg += " [" + strings.Join(parts, "; ") + "]"
	}
	return msg
}

// Is makes errors.Is(err, ErrSourceUnavailable) work.
func (e *SourceUnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Cause
}

// Dataset is a successful fetch.
type Dataset struct {
	Mirror   string
	Elements []facility.Element
	// Failures lists the mirrors that failed before Mirror answered.
	Failures []MirrorFailure
}

// Options configures the client.
type Options struct {
	Mirrors   []string
	Timeout   time.Duration // per mirror attempt
	UserAgent string
	// RequestsPerSecond limits requests per mirror host. Default: 1.
	RequestsPerSecond rate.Limit
	HTTPClient        *http.Client
}

// Client fetches from Overpass mirrors with ordered failover. It never
// retries the same mirror within one Fetch.
type Client struct {
	opts Options
	http *http.Client
	log  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient validates the mirror list and creates a client.
func NewClient(opts Options) (*Client, error) {
	if len(opts.Mirrors) == 0 {
		opts.Mirrors = DefaultMirrors
	}
	for _, m := range opts.Mirrors {
		u, err := url.Parse(m)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, eris.Errorf("overpass: invalid mirror url %q", m)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cityaccess/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		opts:     opts,
		http:     hc,
		log:      zap.L().With(zap.String("component", "overpass")),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Mirrors returns the configured mirror order.
func (c *Client) Mirrors() []string {
	return append([]string(nil), c.opts.Mirrors...)
}

// Fetch posts query to each mirror in order and returns the first
// successful answer.
func (c *Client) Fetch(ctx context.Context, query string) (*Dataset, error) {
	var failures []MirrorFailure
	for i, mirror := range c.opts.Mirrors {
		if err := ctx.Err(); err != nil {
			return nil, &SourceUnavailableError{Failures: failures, Cause: err}
		}

		start := time.Now()
		resp, status, err := c.attempt(ctx, mirror, query)
		if err == nil {
			c.log.Info("overpass fetch succeeded",
				zap.String("mirror", mirror),
				zap.Int("attempt", i+1),
				zap.Int("elements", len(resp.Elements)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return &Dataset{Mirror: mirror, Elements: resp.Elements, Failures: failures}, nil
		}

		f := MirrorFailure{
			Mirror:     mirror,
			Attempt:    i + 1,
			StatusCode: status,
			Transient:  resilience.IsTransient(err) || resilience.IsTransientHTTPStatus(status),
			Duration:   time.Since(start),
			Err:        err,
		}
		failures = append(failures, f)
		c.log.Warn("overpass mirror failed, trying next",
			zap.String("mirror", mirror),
			zap.Int("attempt", i+1),
			zap.Int("status", status),
			zap.Bool("transient", f.Transient),
			zap.Error(err),
		)
	}
	return nil, &SourceUnavailableError{Failures: failures}
}

// attempt performs one POST against mirror under its own timeout.
func (c *Client) attempt(ctx context.Context, mirror, query string) (*response, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.limiterFor(mirror).Wait(ctx); err != nil {
		return nil, 0, eris.Wrap(err, "rate limiter wait")
	}

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mirror, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "post query")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resp.StatusCode, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resp.StatusCode, err
	}

	decoded, err := decodeResponse(ctx, resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if runtimeError(decoded.Remark) {
		return nil, resp.StatusCode, resilience.NewTransientError(
			eris.Errorf("server remark: %s", decoded.Remark), resp.StatusCode)
	}
	return decoded, resp.StatusCode, nil
}

func (c *Client) limiterFor(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(c.opts.RequestsPerSecond, 1)
		c.limiters[host] = lim
	}
	return lim
}
