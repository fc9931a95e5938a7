package fetch

import (
	"context"
	"math"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
)

// Backoff configures per-source retries. A source is attempted at most
// Retries+1 times.
type Backoff struct {
	Retries    int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// BackoffFromConfig converts the fetch section of the config.
func BackoffFromConfig(cfg config.FetchConfig) Backoff {
	return Backoff{
		Retries:    cfg.Retries,
		Initial:    cfg.InitialBackoff.Duration(),
		Max:        cfg.MaxBackoff.Duration(),
		Multiplier: cfg.Multiplier,
	}
}

// Delay returns the wait before retry n (n >= 1): Initial * Multiplier^(n-1),
// capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
