package scraper

import (
	"context"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-channels/config"
)

// retrier re-runs idempotent lookups that failed with a transient error.
type retrier struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
	metrics    *Metrics
	sleep      Sleeper
}

func newRetrier(cfg *config.Config, metrics *Metrics, sleep Sleeper) *retrier {
	if sleep == nil {
		sleep = SleepContext
	}
	return &retrier{
		maxRetries: cfg.MaxRetries,
		base:       cfg.RetryBackoff,
		max:        cfg.RetryBackoffMax,
		metrics:    metrics,
		sleep:      sleep,
	}
}

// Do calls fn until it succeeds, fails permanently or the retry budget is
// spent. The last error is returned.
func (r *retrier) Do(ctx context.Context, target string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= r.maxRetries || ctx.Err() != nil {
			return err
		}

		r.metrics.IncRetries()
		delay := r.backoff(attempt + 1)
		slog.Debug("retrying request",
			slog.String("target", target),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("category", errorTypeLabel(err)),
		)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

func (r *retrier) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := r.base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if limit := r.max; limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}
