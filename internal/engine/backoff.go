package engine

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// JitterSource draws jitter in [0, n). Implementations must be safe for
// concurrent use.
type JitterSource interface {
	Int64N(n int64) int64
}

// seededJitter is a mutex-guarded PCG source; the same seed yields the same
// sequence of delays.
type seededJitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitterSource returns a deterministic jitter source for seed.
func NewJitterSource(seed uint64) JitterSource {
	return &seededJitter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *seededJitter) Int64N(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int64N(n)
}

// ComputeBackoff returns min(base × multiplier^n, cap) plus jitter drawn
// uniformly from [0, base) when the policy enables it.
func ComputeBackoff(p BackoffPolicy, n int, jitter JitterSource) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	raw := float64(p.BaseDelay) * math.Pow(mult, float64(n))
	delay := p.Cap
	if p.Cap <= 0 || raw < float64(p.Cap) {
		delay = time.Duration(raw)
	}

	if p.Jitter && jitter != nil {
		delay += time.Duration(jitter.Int64N(int64(p.BaseDelay)))
	}
	return delay
}
