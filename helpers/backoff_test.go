package helpers

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffNoJitter(t *testing.T) {
	t.Parallel()

	b := &Backoff{Jitter: NoJitter}
	expect := []time.Duration{
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		256 * time.Second,
		512 * time.Second,
		1024 * time.Second,
		2048 * time.Second,
		3600 * time.Second,
		3600 * time.Second,
	}
	var base, delay time.Duration
	for attempt, e := range expect {
		base, delay = b.Next(base, attempt)
		assert.Equal(t, e, base, "attempt=%d", attempt)
		assert.Equal(t, e, delay, "attempt=%d", attempt)
		assert.Equal(t, e, b.Base(attempt), "attempt=%d", attempt)
	}
}

func TestBackoffMonotonicCapped(t *testing.T) {
	t.Parallel()

	b := &Backoff{Rand: rand.New(rand.NewSource(1))}
	var base, prev time.Duration
	for attempt := 0; attempt < 100; attempt++ {
		var delay time.Duration
		base, delay = b.Next(base, attempt)
		require.True(t, base >= prev, "attempt=%d base=%v prev=%v", attempt, base, prev)
		require.True(t, base <= DefaultBackoffMax, "attempt=%d base=%v", attempt, base)
		require.True(t, delay >= base-DefaultBackoffJitter, "attempt=%d delay=%v base=%v", attempt, delay, base)
		require.True(t, delay <= base+DefaultBackoffJitter, "attempt=%d delay=%v base=%v", attempt, delay, base)
		prev = base
	}
	assert.Equal(t, DefaultBackoffMax, base)
}

func TestBackoffJitterBound(t *testing.T) {
	t.Parallel()

	b := &Backoff{
		Min:    10 * time.Millisecond,
		Max:    40 * time.Millisecond,
		Jitter: 5 * time.Millisecond,
		Res:    time.Microsecond,
		Rand:   rand.New(rand.NewSource(42)),
	}
	seenBelow, seenAbove := false, false
	for i := 0; i < 2000; i++ {
		base, delay := b.Next(20*time.Millisecond, 3)
		require.Equal(t, 40*time.Millisecond, base)
		d := delay - base
		require.True(t, d >= -5*time.Millisecond && d <= 5*time.Millisecond, "jitter=%v", d)
		seenBelow = seenBelow || d < 0
		seenAbove = seenAbove || d > 0
	}
	assert.True(t, seenBelow)
	assert.True(t, seenAbove)
}

func TestBackoffDeterministic(t *testing.T) {
	t.Parallel()

	b1 := &Backoff{Rand: rand.New(rand.NewSource(7))}
	b2 := &Backoff{Rand: rand.New(rand.NewSource(7))}
	var base1, base2 time.Duration
	for attempt := 0; attempt < 16; attempt++ {
		var d1, d2 time.Duration
		base1, d1 = b1.Next(base1, attempt)
		base2, d2 = b2.Next(base2, attempt)
		assert.Equal(t, d1, d2)
	}
}

func TestBackoffNeverNegative(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: time.Millisecond, Max: time.Millisecond, Jitter: time.Second}
	for i := 0; i < 100; i++ {
		_, delay := b.Next(0, 0)
		assert.True(t, delay >= 0)
	}
}

func TestSleepInterrupt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tbegin := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.Equal(t, context.Canceled, err)
	assert.True(t, time.Since(tbegin) < time.Second)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
