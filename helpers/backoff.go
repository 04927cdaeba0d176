package helpers

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBackoffMin    = 8 * time.Second
	DefaultBackoffMax    = time.Hour
	DefaultBackoffJitter = 2 * time.Second

	NoJitter time.Duration = -1
)

// Limited exponential backoff for retry delays with random jitter.
// Base delay is a pure function of previous base and attempt number,
// jitter is only added to returned delay and never accumulates.
// Zero value is ready to use with defaults above.
//
// Use scenario:
// var base time.Duration
// for attempt := 0; ; attempt++ {
//   if op() == nil { break }
//   var delay time.Duration
//   base, delay = backoff.Next(base, attempt)
//   time.Sleep(delay)
// }
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	K      float32       // growth factor, default=2
	Jitter time.Duration // delay is base +- Jitter, uniform; NoJitter disables
	Res    time.Duration // delay resolution for nice logs, default=1ms

	randlk sync.Mutex
	Rand   *rand.Rand // nil uses global source
}

// Next returns base delay for this attempt and the same delay with jitter applied.
// Attempt 0 (or prev=0) yields Min.
func (b *Backoff) Next(prev time.Duration, attempt int) (base, delay time.Duration) {
	base = b.nextBase(prev, attempt)
	delay = base + b.jitter()
	if delay < 0 {
		delay = 0
	}
	return base, b.round(delay)
}

// Base is delay without jitter after `attempt` consecutive failures.
func (b *Backoff) Base(attempt int) time.Duration {
	var base time.Duration
	for i := 0; i <= attempt; i++ {
		next := b.nextBase(base, i)
		if next == base {
			break
		}
		base = next
	}
	return base
}

func (b *Backoff) nextBase(prev time.Duration, attempt int) time.Duration {
	min, max := b.limits()
	if attempt <= 0 || prev <= 0 {
		return min
	}
	k := b.K
	if k <= 1 {
		k = 2
	}
	next := time.Duration(float64(prev) * float64(k))
	if next < prev || next > max {
		next = max
	}
	if next < min {
		next = min
	}
	return next
}

func (b *Backoff) limits() (min, max time.Duration) {
	min, max = b.Min, b.Max
	if min <= 0 {
		min = DefaultBackoffMin
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < min {
		max = min
	}
	return min, max
}

func (b *Backoff) jitter() time.Duration {
	j := b.Jitter
	if j == 0 {
		j = DefaultBackoffJitter
	}
	if j < 0 {
		return 0
	}
	var n int64
	b.randlk.Lock()
	if b.Rand != nil {
		n = b.Rand.Int63n(int64(2*j) + 1)
	} else {
		n = rand.Int63n(int64(2*j) + 1)
	}
	b.randlk.Unlock()
	return time.Duration(n) - j
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
