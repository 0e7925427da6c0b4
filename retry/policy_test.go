package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"prism-pipeline/domain"
)

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func TestExecuteHonoursHintsThenStops(t *testing.T) {
	p := ReadPolicy()
	attempts := 0
	final := errors.New("final")
	classify := func(err error) Decision {
		if attempts <= 3 {
			return Retryable(100 * time.Millisecond)
		}
		return NonRetryable()
	}
	start := time.Now()
	err := p.Execute(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 4 {
			return final
		}
		return fmt.Errorf("attempt %d", attempts)
	}, classify)
	elapsed := time.Since(start)
	if !errors.Is(err, final) {
		t.Fatalf("expected final error, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if elapsed < 300*time.Millisecond {
		t.Fatalf("expected at least 300ms of waiting, got %v", elapsed)
	}
}

func TestExecuteExhaustionIsFatal(t *testing.T) {
	rec := &recordedSleeps{}
	p := WritePolicy()
	p.Jitter = 0
	p.sleep = rec.sleep
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return domain.Transient(errors.New("connection reset"))
	}, nil)
	if !errors.Is(err, domain.ErrFatal) {
		t.Fatalf("expected fatal, got %v", err)
	}
	var fe *domain.FatalError
	if !errors.As(err, &fe) || fe.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(rec.waits) != 2 || rec.waits[0] != 200*time.Millisecond || rec.waits[1] != 400*time.Millisecond {
		t.Fatalf("unexpected backoff sequence %v", rec.waits)
	}
}

func TestExecuteNeverRetriesConflicts(t *testing.T) {
	rec := &recordedSleeps{}
	p := WritePolicy()
	p.sleep = rec.sleep
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return &domain.ConflictError{ItemID: "x", ExpectedVersion: 3, CurrentVersion: 4}
	}, nil)
	if !errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrFatal) {
		t.Fatalf("expected plain conflict, got %v", err)
	}
	if calls != 1 || len(rec.waits) != 0 {
		t.Fatalf("conflict was retried: calls=%d waits=%v", calls, rec.waits)
	}
}

func TestExecuteUsesRetryAfterVerbatim(t *testing.T) {
	rec := &recordedSleeps{}
	p := ReadPolicy()
	p.sleep = rec.sleep
	calls := 0
	v, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &domain.RateLimitError{RetryAfter: 1500 * time.Millisecond}
		}
		return 42, nil
	}, nil)
	if err != nil || v != 42 {
		t.Fatalf("unexpected result %d %v", v, err)
	}
	if len(rec.waits) != 2 || rec.waits[0] != 1500*time.Millisecond || rec.waits[1] != 1500*time.Millisecond {
		t.Fatalf("hint not honoured: %v", rec.waits)
	}
}

func TestExecuteStopsOnCancel(t *testing.T) {
	p := ReadPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := p.Execute(ctx, func(context.Context) error {
		return domain.Transient(errors.New("down"))
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wait was not interrupted")
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100, 200, 300, 300}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("attempt %d: expected %v got %v", i+1, w*time.Millisecond, got)
		}
	}
	p.Jitter = 0.2
	for i := 0; i < 50; i++ {
		d := p.Backoff(2)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("jittered backoff out of range: %v", d)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	var netErr net.Error = timeoutErr{}
	cases := []struct {
		name  string
		err   error
		retry bool
		after time.Duration
	}{
		{"conflict", &domain.ConflictError{}, false, 0},
		{"rate limit", &domain.RateLimitError{RetryAfter: time.Second}, true, time.Second},
		{"rate limit no hint", &domain.RateLimitError{}, true, 0},
		{"transient", domain.Transient(errors.New("x")), true, 0},
		{"deadline", fmt.Errorf("update: %w", context.DeadlineExceeded), true, 0},
		{"canceled", context.Canceled, false, 0},
		{"net", netErr, true, 0},
		{"other", errors.New("bad request"), false, 0},
	}
	for _, tc := range cases {
		d := Classify(tc.err)
		if d.Retry != tc.retry || d.After != tc.after {
			t.Fatalf("%s: unexpected decision %#v", tc.name, d)
		}
	}
}
