package campaign

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Pacer picks the pause between two sends
type Pacer interface {
	Delay(min, max time.Duration) time.Duration
}

// RandomPacer returns a uniformly random duration in [min, max).
type RandomPacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomPacer() *RandomPacer {
	return &RandomPacer{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (p *RandomPacer) Delay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rng.Int64N(int64(max-min)))
}

// NoDelay never waits. Used for tests and dry runs.
type NoDelay struct{}

func (NoDelay) Delay(min, max time.Duration) time.Duration { return 0 }

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
