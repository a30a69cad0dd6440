package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"
)

// HTTPError marks an operation that completed with a definitive HTTP status.
// Errors that do not carry one (DNS failures, resets, timeouts) are treated
// as transient.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// NewHTTPError builds an HTTPError from a response status.
func NewHTTPError(status int, body string) *HTTPError {
	return &HTTPError{Status: status, Body: body}
}

// Retryable reports whether err is worth another attempt. Absence of a
// status, 5xx, 408 and 429 are retryable; any other 4xx is terminal.
func Retryable(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return true
	}
	if he.Status == 0 {
		return true
	}
	return he.Status >= 500 || he.Status == http.StatusRequestTimeout || he.Status == http.StatusTooManyRequests
}

type Config struct {
	// Attempts caps the total number of tries (not just retries). Min 1.
	Attempts int
	// Base is the backoff unit: delay = Base * 2^(min(attempt,6)-1) + jitter[0,Base).
	Base time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts < 1 {
		c.Attempts = 3
	}
	if c.Base <= 0 {
		c.Base = 400 * time.Millisecond
	}
	return c
}

// Executor runs operations with the retry policy, recording every attempt in
// a Metrics set. Executors are cheap; build one per logical flow so metric
// summaries stay scoped to that flow.
type Executor struct {
	cfg     Config
	log     logx.Logger
	metrics *Metrics
}

func NewExecutor(cfg Config, metrics *Metrics, log logx.Logger) *Executor {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg.withDefaults(), log: log, metrics: metrics}
}

func (x *Executor) Metrics() *Metrics { return x.metrics }

// Do runs op until it succeeds, exhausts the attempt budget, or fails
// terminally. The last underlying error is returned unchanged.
func (x *Executor) Do(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= x.cfg.Attempts; attempt++ {
		startedAt := time.Now()
		err := op(ctx)
		x.metrics.record(endpoint, err == nil, attempt > 1, time.Since(startedAt))
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) || attempt == x.cfg.Attempts {
			return lastErr
		}

		delay := backoffWithJitter(attempt, x.cfg.Base)
		x.log.Warn("retrying after transient error",
			logx.String("endpoint", endpoint),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", x.cfg.Attempts),
			logx.Duration("sleep", delay),
			logx.Err(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, x *Executor, endpoint string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := x.Do(ctx, endpoint, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoffWithJitter doubles the base per attempt (exponent capped at 6) and
// adds uniform jitter in [0, base) so concurrent callers don't synchronize.
func backoffWithJitter(attempt int, base time.Duration) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	exp := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return exp + jitter
}
