package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/logging"
)

// ErrRetriesExhausted marks a transport-level failure that survived every
// attempt. Callers treat it as retryable on a later pass.
var ErrRetriesExhausted = errors.New("retries exhausted")

// StatusError is a response the retry loop gave up on.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth another attempt.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Policy controls how Do spaces and bounds its attempts.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter widens each wait by a random fraction in [0, Jitter).
	Jitter float64
}

var DefaultPolicy = Policy{
	Name:        "http",
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
	Jitter:      0.2,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Name == "" {
		p.Name = DefaultPolicy.Name
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based),
// before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

func (p Policy) wait(attempt int, resp *http.Response) time.Duration {
	d := p.Backoff(attempt)
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			d = min(time.Duration(secs)*time.Second, p.MaxDelay)
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Do sends the request built by build, retrying network errors, 429 and
// 5xx responses. build runs once per attempt so bodies are fresh. Any other
// response is returned to the caller unread.
func Do(ctx context.Context, client *http.Client, p Policy, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	p = p.normalized()
	log := logging.For("retry").WithField("client", p.Name)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err == nil {
			se := &StatusError{Code: resp.StatusCode}
			if !se.Temporary() {
				return resp, nil
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			se.Body = string(body)
			lastErr = se
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			resp = nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		d := p.wait(attempt, resp)
		log.WithError(lastErr).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     p.MaxAttempts,
			"wait":    d.Round(time.Millisecond),
		}).Warn("request failed, retrying")

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return nil, fmt.Errorf("%w: %d attempts, last error: %w", ErrRetriesExhausted, p.MaxAttempts, lastErr)
}
