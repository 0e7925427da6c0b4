package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-pipeline/domain"
)

// Decision is the outcome of classifying a failed attempt.
type Decision struct {
	Retry bool
	After time.Duration
}

// Retryable asks for another attempt after the given delay. Zero means use the policy backoff.
func Retryable(after time.Duration) Decision { return Decision{Retry: true, After: after} }

// NonRetryable stops the loop and returns the error to the caller.
func NonRetryable() Decision { return Decision{} }

// Classifier maps an error to a retry decision.
type Classifier func(error) Decision

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls made to the operation, the first included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads computed backoff by ±Jitter (fraction of the delay). Hints are never jittered.
	Jitter float64
	Logger *log.Logger
	Name   string

	sleep func(context.Context, time.Duration) error
}

// WritePolicy is used for remote conditional writes.
func WritePolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2, Name: "write"}
}

// ReadPolicy is used for bulk ingestion and subscription connects.
func ReadPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.2, Name: "read"}
}

// Backoff returns the delay before the retry that follows attempt n (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if p.Jitter > 0 {
		jitter := p.Jitter * backoff
		backoff += (rand.Float64() - 0.5) * 2 * jitter
	}
	return time.Duration(backoff)
}

func (p Policy) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.StandardLogger()
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs op until it succeeds, classify says stop, or the attempt budget is spent.
// A retryable failure on the last attempt is returned as a *domain.FatalError.
func (p Policy) Execute(ctx context.Context, op func(context.Context) error, classify Classifier) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, classify)
	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), classify Classifier) (T, error) {
	var zero T
	if classify == nil {
		classify = Classify
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		d := classify(err)
		if !d.Retry {
			return zero, err
		}
		if attempt >= maxAttempts {
			p.logger().WithFields(log.Fields{
				"policy":   p.Name,
				"attempts": attempt,
				"error":    err,
			}).Warn("retry budget exhausted")
			return zero, &domain.FatalError{Attempts: attempt, Err: err}
		}
		delay := d.After
		if delay <= 0 {
			delay = p.Backoff(attempt)
		}
		p.logger().WithFields(log.Fields{
			"policy":   p.Name,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err,
		}).Debug("retrying operation")
		if err := p.wait(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Classify is the default classifier shared by writes and reads. Version conflicts are
// never retried; rate limits honour their hint; transient and network failures back off.
func Classify(err error) Decision {
	if err == nil {
		return NonRetryable()
	}
	if errors.Is(err, domain.ErrConflict) {
		return NonRetryable()
	}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		return Retryable(rl.RetryAfter)
	}
	if errors.Is(err, domain.ErrTransientNetwork) {
		return Retryable(0)
	}
	// a single attempt hit its own deadline; the caller's context is checked separately
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(0)
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable(0)
	}
	return NonRetryable()
}
