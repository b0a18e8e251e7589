// Package sor is the edge's HTTP client for the system of record's internal
// API. Every call carries its own timeout and runs behind a circuit breaker,
// so an unreachable admin service turns into fast, logged failures instead
// of piling up blocked goroutines.
package sor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/store"
)

const (
	pathShortURL          = "/internal/short-urls/"
	pathAllShortURLs      = "/internal/short-urls/all"
	pathRedirectionConfig = "/internal/redirection-config"
	pathHistories         = "/internal/redirection-histories"
)

// ErrUnavailable is returned while a circuit breaker is open.
var ErrUnavailable = errors.New("system of record unavailable")

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// Timeouts bounds each kind of call.
type Timeouts struct {
	Lookup  time.Duration
	Warm    time.Duration
	Config  time.Duration
	History time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeouts Timeouts

	// BreakerFailures consecutive failures open a breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long a breaker stays open before probing.
	BreakerTimeout time.Duration

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client implements store.Source over HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
	reads    *gobreaker.CircuitBreaker[[]byte]
	history  *gobreaker.CircuitBreaker[[]byte]
	logger   zerolog.Logger
}

var _ store.Source = (*Client)(nil)

// New builds a Client. It does not contact the system of record.
//
//nolint:gocritic // Options is built once at startup
func New(opts Options) (*Client, error) {
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid system of record base url: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		timeouts: opts.Timeouts,
		logger:   opts.Logger,
	}
	c.reads = c.newBreaker("sor-reads", opts.BreakerFailures, opts.BreakerTimeout)
	c.history = c.newBreaker("sor-history", opts.BreakerFailures, opts.BreakerTimeout)
	return c, nil
}

func (c *Client) newBreaker(name string, failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a missing key is an answer, not a failure of the system of record
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// ShortURL fetches one active mapping. A missing or inactive key yields
// store.ErrNotFound.
func (c *Client) ShortURL(ctx context.Context, key string) (store.ShortURL, error) {
	body, err := c.call(ctx, c.reads, c.timeouts.Lookup, "short_url", http.MethodGet, pathShortURL+url.PathEscape(key), nil)
	if err != nil {
		return store.ShortURL{}, err
	}
	if isEmpty(body) {
		return store.ShortURL{}, store.ErrNotFound
	}

	var u store.ShortURL
	if err := json.Unmarshal(body, &u); err != nil {
		return store.ShortURL{}, fmt.Errorf("failed to decode short url %s: %w", key, err)
	}
	return u, nil
}

// AllShortURLs fetches the bulk snapshot used to warm the cache.
func (c *Client) AllShortURLs(ctx context.Context) ([]store.ShortURL, error) {
	body, err := c.call(ctx, c.reads, c.timeouts.Warm, "all_short_urls", http.MethodGet, pathAllShortURLs, nil)
	if err != nil {
		return nil, err
	}
	if isEmpty(body) {
		return nil, nil
	}

	var all []store.ShortURL
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("failed to decode short url snapshot: %w", err)
	}
	return all, nil
}

// RedirectionConfig fetches the current redirection configuration.
func (c *Client) RedirectionConfig(ctx context.Context) (store.RedirectionConfig, error) {
	body, err := c.call(ctx, c.reads, c.timeouts.Config, "redirection_config", http.MethodGet, pathRedirectionConfig, nil)
	if err != nil {
		return store.RedirectionConfig{}, err
	}
	if isEmpty(body) {
		return store.RedirectionConfig{}, fmt.Errorf("redirection config: empty response")
	}

	var cfg store.RedirectionConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return store.RedirectionConfig{}, fmt.Errorf("failed to decode redirection config: %w", err)
	}
	return cfg, nil
}

// SaveHistory reports one redirect event.
//
//nolint:gocritic // events are small and copied onto the queue anyway
func (c *Client) SaveHistory(ctx context.Context, event store.HistoryEvent) error {
	_, err := c.call(ctx, c.history, c.timeouts.History, "save_history", http.MethodPost, pathHistories, event)
	return err
}

func (c *Client) call(ctx context.Context, cb *gobreaker.CircuitBreaker[[]byte], timeout time.Duration, op, method, path string, payload any) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	body, err := cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, op, method, path, payload)
	})
	metrics.SoRRequestDuration.WithLabelValues(op, metrics.Result(err)).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
	return body, nil
}

func isEmpty(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
