package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Max, Base*2^attempt) plus a
// uniform jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewBackoff builds the policy from cfg.
func NewBackoff(cfg Config) Backoff {
	return Backoff{
		Base:   cfg.ReconnectBaseDelay,
		Max:    cfg.ReconnectMaxDelay,
		Jitter: cfg.ReconnectJitter,
		Rand:   rand.Float64,
	}
}

// Capped returns the delay for attempt without jitter.
func (b Backoff) Capped(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Delay returns the jittered delay for attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Capped(attempt)
	if b.Jitter <= 0 {
		return d
	}

	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	return d + time.Duration(r()*float64(b.Jitter))
}
