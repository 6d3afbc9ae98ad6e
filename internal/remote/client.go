// Package remote translates queued mutations into REST calls against the
// fitness backend and remote responses into results the sync engine applies.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/fitsync/internal/domain"
)

// Header names of the remote protocol.
const (
	HeaderLastSync       = "X-Last-Sync"
	HeaderCheckpoint     = "X-Checkpoint"
	HeaderIdempotencyKey = "Idempotency-Key"
)

var errCircuitOpen = errors.New("circuit breaker open")

// Config tunes the client.
type Config struct {
	BaseURL string
	// ProbeURL defaults to <scheme>://<host>/healthz of BaseURL.
	ProbeURL       string
	Timeout        time.Duration
	ProbeTimeout   time.Duration
	MaxRetries     uint64
	RetryBaseDelay time.Duration
	// IdempotentCreate declares that the server deduplicates POSTs by
	// Idempotency-Key, making timed-out CREATEs safe to resend.
	IdempotentCreate bool
	// RateLimit is requests per second; zero disables pacing.
	RateLimit       float64
	RateBurst       int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	UserAgent       string
}

// Client is the Remote Reconciliation Client.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*response]
	logger  zerolog.Logger
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// New constructs a Client. tokens may be nil for unauthenticated services.
func New(cfg Config, tokens TokenSource, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fitsync"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		tokens:  tokens,
		limiter: limiter,
		logger:  logger.With().Str("component", "remote").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "fitsync-remote",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.Set(float64(to))
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c, nil
}

// Send performs the REST call for one mutation. A nil error means the server
// acknowledged the call, either accepting or rejecting it; retryable
// failures are returned as *CallError.
func (c *Client) Send(ctx context.Context, m Mutation) (Result, error) {
	headers := http.Header{}
	if !m.Checkpoint.IsZero() {
		headers.Set(HeaderLastSync, m.Checkpoint.String())
	}

	switch m.Operation {
	case domain.OpCreate:
		if m.OpID != "" {
			headers.Set(HeaderIdempotencyKey, m.OpID)
		}
		body, err := m.Body.Encode()
		if err != nil {
			return Result{}, err
		}
		resp, err := c.do(ctx, http.MethodPost, "/"+m.Resource, nil, body, headers, c.cfg.IdempotentCreate)
		if err != nil {
			return Result{}, err
		}
		switch {
		case resp.status == http.StatusCreated || resp.status == http.StatusOK:
			var rec domain.RemoteRecord
			if err := json.Unmarshal(resp.body, &rec); err != nil {
				return Result{}, fmt.Errorf("%w: decode create response: %v", ErrProtocol, err)
			}
			return Result{Outcome: OutcomeAccepted, GlobalID: rec.ID, Replayed: resp.status == http.StatusOK}, nil
		default:
			return rejected(resp), nil
		}

	case domain.OpUpdate:
		body, err := m.Body.Encode()
		if err != nil {
			return Result{}, err
		}
		resp, err := c.do(ctx, http.MethodPut, resourcePath(m.Resource, m.GlobalID), nil, body, headers, true)
		if err != nil {
			return Result{}, err
		}
		if resp.status == http.StatusOK || resp.status == http.StatusNoContent {
			return Result{Outcome: OutcomeAccepted}, nil
		}
		return rejected(resp), nil

	case domain.OpDelete:
		resp, err := c.do(ctx, http.MethodDelete, resourcePath(m.Resource, m.GlobalID), nil, nil, headers, true)
		if err != nil {
			return Result{}, err
		}
		switch resp.status {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
			return Result{Outcome: OutcomeAccepted}, nil
		default:
			return rejected(resp), nil
		}
	}
	return Result{}, fmt.Errorf("unsupported operation %q", m.Operation)
}

// Pull fetches one page of changes for a resource.
func (c *Client) Pull(ctx context.Context, resource string, q PullQuery) (Page, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(q.Offset))
	query.Set("limit", strconv.Itoa(q.Limit))
	if !q.StartDate.IsZero() {
		query.Set("startDate", q.StartDate.UTC().Format(time.RFC3339Nano))
	}
	if !q.EndDate.IsZero() {
		query.Set("endDate", q.EndDate.String())
	}
	headers := http.Header{}
	if !q.EndDate.IsZero() {
		headers.Set(HeaderLastSync, q.EndDate.String())
	}

	resp, err := c.do(ctx, http.MethodGet, "/"+resource, query, nil, headers, true)
	if err != nil {
		return Page{}, err
	}
	if resp.status != http.StatusOK {
		r := rejected(resp)
		return Page{}, &RejectedError{Rejection: *r.Rejection}
	}

	var page domain.RemotePage
	if err := json.Unmarshal(resp.body, &page); err != nil {
		return Page{}, fmt.Errorf("%w: decode %s page: %v", ErrProtocol, resource, err)
	}
	cp := domain.Checkpoint(resp.header.Get(HeaderCheckpoint))
	if _, err := cp.Time(); err != nil || cp.IsZero() {
		return Page{}, fmt.Errorf("%w: missing or invalid %s header", ErrProtocol, HeaderCheckpoint)
	}
	return Page{Records: page.Data, HasMore: page.HasMore, Checkpoint: cp}, nil
}

// Probe checks reachability of the service without retries or the breaker.
func (c *Client) Probe(ctx context.Context) error {
	target := c.cfg.ProbeURL
	if target == "" {
		target = (&url.URL{Scheme: c.base.Scheme, Host: c.base.Host, Path: "/healthz"}).String()
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", target, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, headers http.Header, idempotent bool) (*response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.MaxInterval = 20 * c.cfg.RetryBaseDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	maxRetries := c.cfg.MaxRetries
	if !idempotent {
		maxRetries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	operation := func() (*response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.breaker.Execute(func() (*response, error) {
			return c.attempt(ctx, method, path, query, body, headers)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(&CallError{Class: ClassConnectivity, Err: errCircuitOpen})
			}
			var ce *CallError
			if errors.As(err, &ce) && (ce.Class == ClassTransient || ce.Class == ClassTimeout) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}
	notify := func(err error, wait time.Duration) {
		retryCounter.WithLabelValues(method).Inc()
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Dur("wait", wait).Msg("retrying remote call")
	}
	return backoff.RetryNotifyWithData(operation, policy, notify)
}

func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, body []byte, headers http.Header) (*response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := *c.base
	target.Path = c.base.Path + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, &CallError{Class: ClassUnauthorized, Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		requestCounter.WithLabelValues(method, "error").Inc()
		return nil, classifyTransportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		requestCounter.WithLabelValues(method, "error").Inc()
		return nil, classifyTransportError(ctx, callCtx, err)
	}
	requestCounter.WithLabelValues(method, statusClass(resp.StatusCode)).Inc()

	out := &response{status: resp.StatusCode, header: resp.Header, body: raw}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &CallError{Class: ClassUnauthorized, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, &CallError{Class: ClassTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s %s", method, path)}
	}
	return out, nil
}

func classifyTransportError(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return &CallError{Class: ClassTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Class: ClassTimeout, Err: err}
	}
	return &CallError{Class: ClassConnectivity, Err: err}
}

func rejected(resp *response) Result {
	rej := &Rejection{Status: resp.status}
	if err := json.Unmarshal(resp.body, rej); err != nil || rej.Kind == "" {
		rej.Kind = "http_" + strconv.Itoa(resp.status)
		rej.Detail = strings.TrimSpace(string(resp.body))
	}
	rej.Status = resp.status
	return Result{Outcome: OutcomeRejected, Rejection: rej}
}

func resourcePath(resource string, id int64) string {
	return "/" + resource + "/" + strconv.FormatInt(id, 10)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
