/*
Package gateway contains the upstream integration clients: mobile money
(B2C/C2B), bank STK push, bulk SMS, and the loan-management system.

PURPOSE:
  Every outbound call goes through one shared Client that enforces a
  bounded timeout, wraps the call in a circuit breaker, and maps transport
  outcomes onto the two error kinds the rest of the system distinguishes:

    ledger.ErrUpstreamTimeout  - no response in time; the upstream MAY have
                                 acted, so callers keep the operation pending
    ledger.ErrUpstreamRejected - explicit non-2xx decline; terminal

  Boundary parsers in this package map raw gateway JSON into the normalized
  processor event types; nothing downstream consumes raw payloads.

SEE ALSO:
  - processor/types.go: Normalized event variants
  - mobilemoney.go, bank.go, sms.go, lms.go: Per-channel clients
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
)

const defaultTimeout = 15 * time.Second

// Client is the shared resilient HTTP client for all upstream gateways.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient builds a client named for the upstream it fronts. The breaker
// opens after five consecutive failures and probes again after 30s.
func NewClient(name string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger.With(zap.String("upstream", name)),
	}
}

// PostJSON sends body as JSON and decodes a 2xx response into out (out may
// be nil). Headers are applied verbatim.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, headers, payload, out)
}

// GetJSON fetches url and decodes a 2xx response into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	return c.do(ctx, http.MethodGet, url, headers, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, payload []byte, out any) error {
	started := time.Now()

	_, err := c.breaker.Execute(func() (any, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%s %s: %w", method, url, ledger.ErrUpstreamTimeout)
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s %s: status %d: %s: %w",
				method, url, resp.StatusCode, string(snippet), ledger.ErrUpstreamRejected)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})

	c.logger.Debug("upstream call",
		zap.String("method", method),
		zap.String("url", url),
		zap.Duration("took", time.Since(started)),
		zap.Error(err))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The breaker short-circuited before anything went out, so rejecting
		// is safe: no upstream action could have happened.
		return fmt.Errorf("%s %s: circuit open: %w", method, url, ledger.ErrUpstreamRejected)
	}
	return err
}

// isTimeout reports whether the transport error is a deadline expiry rather
// than a reachable-but-unhappy upstream.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
