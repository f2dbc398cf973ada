// Package exchange is the client for the perpetuals exchange info API.
//
// Every upstream shape is normalized here: signed string sizes become a
// direction plus decimal size, millisecond timestamps become time.Time, and
// nullable liquidation prices become *decimal.Decimal. Nothing outside this
// package sees the raw wire format.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/atmx/convergence-engine/internal/metrics"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("exchange: circuit open")
	// ErrNoPrice is returned by Price when the coin has no mid.
	ErrNoPrice = errors.New("exchange: no price for coin")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange: status %d: %s", e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
	Burst   int
	// MidsTTL is how long Price reuses one allMids response.
	MidsTTL time.Duration
}

// Client calls POST {BaseURL}/info.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	midsTTL time.Duration
	midsMu  sync.Mutex
	mids    map[string]decimal.Decimal
	midsAt  time.Time
}

// NewClient creates an exchange client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RPS)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}

	st := gobreaker.Settings{
		Name:     "exchange-info",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		// A 4xx is the caller's fault, not the upstream's.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &Client{
		url:     strings.TrimRight(opts.BaseURL, "/") + "/info",
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		midsTTL: opts.MidsTTL,
	}
}

// post sends one info request and decodes the response into out.
func (c *Client) post(ctx context.Context, reqType string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("exchange %s: %w", reqType, err)
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, body, out)
	})
	metrics.ExchangeLatency.WithLabelValues(reqType).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ExchangeRequests.WithLabelValues(reqType, "rejected").Inc()
		return ErrCircuitOpen
	}
	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(reqType, "error").Inc()
		return fmt.Errorf("exchange %s: %w", reqType, err)
	}
	metrics.ExchangeRequests.WithLabelValues(reqType, "ok").Inc()
	return nil
}

func (c *Client) do(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
