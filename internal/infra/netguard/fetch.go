package netguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
	defaultBaseDelay  = 1 * time.Second
	defaultBodyLimit  = 10 << 20 // 10 MiB
	maxRetryAfterWait = 60 * time.Second
)

// FetchOptions tune one SecureFetch call. Zero values fall back to the
// defaults above.
type FetchOptions struct {
	Method     string
	Body       []byte
	Header     http.Header
	Timeout    time.Duration // hard deadline for the whole call, retries included
	Attempts   int           // total attempts, including the first
	BaseDelay  time.Duration // linear backoff: BaseDelay * attempt
	BodyLimit  int64
	Policy     Policy
}

// FetchResult is the terminal response of a SecureFetch call.
type FetchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Fetcher performs outbound HTTP with SSRF validation, timeout, bounded
// retries and linear backoff. Every component that talks to the public
// internet goes through it.
type Fetcher struct {
	validator *Validator
	transport http.RoundTripper
	logger    zerolog.Logger
	retries   prometheus.Counter // nil-safe
}

func NewFetcher(v *Validator, logger zerolog.Logger, retries prometheus.Counter) *Fetcher {
	if v == nil {
		v = NewValidator()
	}
	return &Fetcher{validator: v, logger: logger, retries: retries}
}

// Fetch validates url once, then performs the request with retries. The
// SSRF check never re-runs on retry, and neither does DNS: the dial is
// pinned to the addresses that passed validation.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	res := f.validator.ValidateURL(ctx, rawURL, opts.Policy)
	if !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, res.Reason)
	}
	for _, w := range res.Warnings {
		f.logger.Warn().Str("url", res.NormalizedURL).Msg(w)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{
		Transport: f.pinnedTransport(res),
		// The dial stays pinned to the originally validated addresses, so
		// cross-host redirects are refused outright and same-host ones are
		// re-checked against the policy.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after 5 redirects")
			}
			if req.URL.Hostname() != via[0].URL.Hostname() {
				return fmt.Errorf("%w: cross-host redirect to %s", ErrBlocked, req.URL.Hostname())
			}
			rv := f.validator.ValidateURL(req.Context(), req.URL.String(), opts.Policy)
			if !rv.Valid {
				return fmt.Errorf("%w: redirect: %s", ErrBlocked, rv.Reason)
			}
			return nil
		},
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, res.NormalizedURL, bytes.NewReader(opts.Body))
		if err != nil {
			return nil, err
		}
		for k, vs := range opts.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		delay := baseDelay * time.Duration(attempt)
		resp, err := client.Do(req)
		if err != nil {
			if !retryableNetErr(err) {
				return nil, err
			}
			lastErr = err
		} else {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if !retryableStatus(resp.StatusCode) {
				return &FetchResult{
					StatusCode: resp.StatusCode,
					Header:     resp.Header,
					Body:       body,
					Attempts:   attempt,
				}, nil
			} else {
				lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
			}
			// A server-provided Retry-After overrides the backoff, not the
			// retry accounting.
			if d, ok := retryAfter(resp.Header); ok {
				delay = d
			}
		}

		if attempt == attempts {
			break
		}
		if f.retries != nil {
			f.retries.Inc()
		}
		f.logger.Debug().
			Str("url", res.NormalizedURL).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("retrying outbound request")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fetch %s failed after %d attempts: %w", res.NormalizedURL, attempts, lastErr)
}

// pinnedTransport dials only the addresses that passed validation,
// preserving the requested port.
func (f *Fetcher) pinnedTransport(res Result) http.RoundTripper {
	if f.transport != nil {
		return f.transport
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range res.Addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no validated addresses for %s", addr)
			}
			return nil, lastErr
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConns:          4,
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// Wrapped url.Error cases that don't expose the syscall.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF")
}

// retryAfter honors a server-provided Retry-After header, either seconds or
// an HTTP date, capped to keep a hostile server from parking the caller.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > maxRetryAfterWait {
			d = maxRetryAfterWait
		}
		return d, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		if d > maxRetryAfterWait {
			d = maxRetryAfterWait
		}
		return d, true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
