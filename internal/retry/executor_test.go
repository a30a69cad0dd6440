package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"
)

func testExecutor(m *Metrics) *Executor {
	return NewExecutor(Config{Attempts: 3, Base: time.Millisecond}, m, logx.Nop())
}

func TestDoRecoversAfterTransientErrors(t *testing.T) {
	m := NewMetrics()
	x := testExecutor(m)

	calls := 0
	err := x.Do(context.Background(), "portal.notifications", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewHTTPError(500, "boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}

	em := m.Get("portal.notifications")
	if em.Calls != 3 || em.OK != 1 || em.Failed != 2 || em.Retries != 2 {
		t.Fatalf("unexpected metric: %+v", em)
	}
}

func TestDoStopsOnTerminalStatus(t *testing.T) {
	m := NewMetrics()
	x := testExecutor(m)

	calls := 0
	err := x.Do(context.Background(), "portal.probe", func(ctx context.Context) error {
		calls++
		return NewHTTPError(404, "")
	})
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 404 {
		t.Fatalf("expected the original 404 back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("terminal status must not be retried, got %d calls", calls)
	}

	em := m.Get("portal.probe")
	if em.Calls != 1 || em.Failed != 1 || em.Retries != 0 {
		t.Fatalf("unexpected metric: %+v", em)
	}
}

func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	x := testExecutor(nil)

	want := errors.New("still down")
	calls := 0
	err := x.Do(context.Background(), "vault.file_upload", func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected last error unchanged, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected attempt budget of 3, got %d", calls)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("connection reset"), true},
		{NewHTTPError(0, ""), true},
		{NewHTTPError(500, ""), true},
		{NewHTTPError(503, ""), true},
		{NewHTTPError(408, ""), true},
		{NewHTTPError(429, ""), true},
		{NewHTTPError(400, ""), false},
		{NewHTTPError(401, ""), false},
		{NewHTTPError(404, ""), false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Fatalf("Retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestValueReturnsResult(t *testing.T) {
	x := testExecutor(nil)

	calls := 0
	got, err := Value(context.Background(), x, "portal.notifications", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewHTTPError(502, "")
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Value = (%d, %v)", got, err)
	}
}

func TestDoAbortsBackoffOnCancel(t *testing.T) {
	x := NewExecutor(Config{Attempts: 5, Base: time.Hour}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- x.Do(ctx, "slow", func(ctx context.Context) error {
			return NewHTTPError(500, "")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not abort its backoff sleep")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(attempt, base)
		exp := attempt
		if exp > 6 {
			exp = 6
		}
		lo := base << (exp - 1)
		hi := lo + base
		if d < lo || d >= hi {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v)", attempt, d, lo, hi)
		}
	}
}
