package workflow

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/cenkalti/backoff/v4"
)

// RetryDelay returns how long to wait after the given failed attempt (1-based)
// before dispatching again: base x multiplier^(attempt-1). Jitter only ever
// lengthens the delay, by up to half of it.
func RetryDelay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 || policy.BaseDelay <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = policy.Multiplier()
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for range attempt {
		delay = b.NextBackOff()
	}

	if policy.Jitter && delay > 1 {
		delay += time.Duration(rand.Int64N(int64(delay / 2)))
	}

	return delay
}
