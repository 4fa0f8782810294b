// Package retry classifies remote failures and retries them with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
)

// Kind is the classified failure kind of an attempt.
type Kind int

const (
	// KindFatal failures abort immediately.
	KindFatal Kind = iota
	// KindTransient failures (5xx, network) are retried after attempt × InitialDelay.
	KindTransient
	// KindRateLimited failures (429) honor Retry-After when present.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Config holds retry configuration.
type Config struct {
	MaxRetries       int           // Retries after the first attempt
	InitialDelay     time.Duration // Multiplied by the attempt number
	MaxDelay         time.Duration // Cap for computed backoff (0 = uncapped)
	MaxRetryAfter    time.Duration // Cap for server-directed delays (0 = DefaultMaxRetryAfter)
	RetryAfterBuffer time.Duration // Added to server-directed delays (0 = DefaultRetryAfterBuffer)

	// Clock is used for backoff sleeps. Defaults to the wall clock.
	Clock clock.Clock

	// OnRetry is called before every backoff sleep.
	OnRetry func(Attempt)
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number      int
	MaxAttempts int
	Delay       time.Duration
	Kind        Kind
	Err         error
}

// Server-directed delay bounds applied when a Config leaves them unset.
const (
	DefaultMaxRetryAfter    = 600 * time.Second
	DefaultRetryAfterBuffer = time.Second
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       5,
		InitialDelay:     5 * time.Second,
		MaxDelay:         60 * time.Second,
		MaxRetryAfter:    DefaultMaxRetryAfter,
		RetryAfterBuffer: DefaultRetryAfterBuffer,
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind       Kind
	StatusCode int           // 0 for network-level failures
	RetryAfter time.Duration // 0 when the server sent none
	Endpoint   string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable with linear backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// RateLimited marks err as a rate-limit failure with an optional server-directed delay.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRateLimited, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter, Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// FromStatus classifies an unsuccessful HTTP status.
// body is included in the message when non-empty.
func FromStatus(status int, retryAfter, endpoint, body string) *Error {
	msg := http.StatusText(status)
	if body = strings.TrimSpace(body); body != "" {
		msg = body
	}
	e := &Error{
		StatusCode: status,
		Endpoint:   endpoint,
		Err:        errors.New(msg),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if d, ok := ParseRetryAfter(retryAfter, time.Now()); ok {
			e.RetryAfter = d
		}
	case status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindFatal
	}
	return e
}

// ParseRetryAfter parses a Retry-After header value given as delta seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// KindOf returns the classified kind of err. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// StatusOf returns the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) != KindFatal
}

// IsAuth reports whether err is a 401 or 403 failure.
func IsAuth(err error) bool {
	s := StatusOf(err)
	return s == http.StatusUnauthorized || s == http.StatusForbidden
}

// IsNotFound reports whether err is a 404 failure.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// Delay returns the wait before the attempt following the given failed attempt.
func (c Config) Delay(err error, attempt int) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited && e.RetryAfter > 0 {
		limit, buffer := c.MaxRetryAfter, c.RetryAfterBuffer
		if limit <= 0 {
			limit = DefaultMaxRetryAfter
		}
		if buffer <= 0 {
			buffer = DefaultRetryAfterBuffer
		}
		return min(e.RetryAfter, limit) + buffer
	}

	d := time.Duration(attempt) * c.InitialDelay
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

func (c Config) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.WallClock
}

// Do executes fn with retries. The error of the last attempt is returned unchanged.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	clk := cfg.clock()
	maxAttempts := cfg.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		r, err := fn()
		if err == nil {
			return r, nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			return result, err
		}

		wait := cfg.Delay(err, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(Attempt{
				Number:      attempt,
				MaxAttempts: maxAttempts,
				Delay:       wait,
				Kind:        KindOf(err),
				Err:         err,
			})
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-clk.After(wait):
		}
	}
}
