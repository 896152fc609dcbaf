// Package retrypolicy defines the bounded retry budget shared by
// backend calls, the HTTP transport and delayed job re-enqueues.
package retrypolicy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
)

// Policy is a bounded exponential retry budget
type Policy struct {
	// Attempts is the total number of tries, first one included
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Clock         clock.Clock
	Logger        *telemetry.Logger
}

// Default returns 3 attempts starting at 1s, doubling up to 30s
func Default() Policy {
	return Policy{
		Attempts:      3,
		Delay:         time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Clock:         clock.WallClock,
	}
}

func (p Policy) normalized() Policy {
	def := Default()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = def.Delay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.Logger == nil {
		p.Logger = telemetry.Nop()
	}
	return p
}

// NextDelay returns the wait before attempt+1, given attempt tries so far
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.normalized()
	delay := float64(p.Delay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffFactor
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether job has attempts left
func (p Policy) ShouldRetry(job jobqueue.Job) bool {
	return job.Attempt < p.normalized().Attempts
}

// Call runs fn until it succeeds, the budget is spent, ctx ends or fn
// returns an error isFatal accepts. Configuration and registration
// errors are always fatal. The last error is returned unwrapped.
func (p Policy) Call(ctx context.Context, name string, fn func(ctx context.Context) error, isFatal func(error) bool) error {
	p = p.normalized()

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return fn(ctx)
		},
		IsFatalError: func(err error) bool {
			if types.IsFatal(err) || errors.Is(err, context.Canceled) {
				return true
			}
			return isFatal != nil && isFatal(err)
		},
		NotifyFunc: func(err error, attempt int) {
			p.Logger.WithContext(ctx).Warn().
				Err(err).
				Str("operation", name).
				Int("attempt", attempt).
				Int("attempts", p.Attempts).
				Msg("attempt failed")
		},
		Attempts: p.Attempts,
		Delay:    p.Delay,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return p.NextDelay(attempt)
		},
		Clock: p.Clock,
		Stop:  ctx.Done(),
	})
	if err == nil {
		return nil
	}

	switch {
	case retry.IsAttemptsExceeded(err):
		return retry.LastError(err)
	case retry.IsRetryStopped(err):
		if last := retry.LastError(err); last != nil {
			return fmt.Errorf("%s stopped: %w", name, last)
		}
		return ctx.Err()
	}
	return err
}

// IdempotencyKey returns a stable hex digest of the descriptor, used to tag
// outbound requests so a repeated task is recognisable by the backend
func IdempotencyKey(desc jobqueue.TaskDescriptor) string {
	h := sha256.New()
	h.Write([]byte(desc.Key()))
	if args := desc.SortedArgs(); len(args) > 0 {
		h.Write([]byte("|" + strings.Join(args, ",")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HTTPClient returns an HTTP client retrying transport failures and 5xx
// responses under the same budget. The final response is handed back
// untouched so callers can read the backend's error body.
func (p Policy) HTTPClient(timeout time.Duration) *http.Client {
	p = p.normalized()

	client := retryablehttp.NewClient()
	client.RetryMax = p.Attempts - 1
	client.RetryWaitMin = p.Delay
	client.RetryWaitMax = p.MaxDelay
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = timeout

	return client.StandardClient()
}
