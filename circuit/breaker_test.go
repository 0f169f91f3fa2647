package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail(t *testing.T, b *Breaker) bool {
	t.Helper()
	done, ok := b.Allow()
	if !ok {
		return false
	}
	done(false)
	return true
}

func succeed(t *testing.T, b *Breaker) bool {
	t.Helper()
	done, ok := b.Allow()
	if !ok {
		return false
	}
	done(true)
	return true
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(BreakerSettings{Backend: "orders", Failures: 3, Cooldown: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, fail(t, b), "failure %d must still be admitted", i+1)
	}

	assert.Equal(t, Open, b.State())
	_, ok := b.Allow()
	assert.False(t, ok, "open circuit must fail fast")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := newBreaker(BreakerSettings{Backend: "orders", Failures: 2, Cooldown: time.Hour}, nil)

	require.True(t, fail(t, b))
	require.True(t, succeed(t, b))
	require.True(t, fail(t, b))

	assert.Equal(t, Closed, b.State(), "non-consecutive failures must not open the circuit")
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	b := newBreaker(BreakerSettings{Backend: "orders", Failures: 1, Cooldown: 20 * time.Millisecond}, nil)

	require.True(t, fail(t, b))
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	require.True(t, succeed(t, b), "the trial request must be admitted after the cooldown")
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	b := newBreaker(BreakerSettings{Backend: "orders", Failures: 1, Cooldown: 20 * time.Millisecond}, nil)

	require.True(t, fail(t, b))
	time.Sleep(30 * time.Millisecond)

	require.True(t, fail(t, b))
	assert.Equal(t, Open, b.State(), "a failed trial must reopen the circuit")

	_, ok := b.Allow()
	assert.False(t, ok, "the cooldown must restart after a failed trial")
}

func TestSingleTrialWhileHalfOpen(t *testing.T) {
	b := newBreaker(BreakerSettings{Backend: "orders", Failures: 1, Cooldown: 20 * time.Millisecond}, nil)

	require.True(t, fail(t, b))
	time.Sleep(30 * time.Millisecond)

	done, ok := b.Allow()
	require.True(t, ok)

	// while the trial is unresolved, further requests fail fast
	_, ok = b.Allow()
	assert.False(t, ok)

	done(true)
	assert.Equal(t, Closed, b.State())
}

func TestConcurrentFailuresOpenOnce(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	onChange := func(backend string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	b := newBreaker(BreakerSettings{Backend: "orders", Failures: 5, Cooldown: time.Hour}, onChange)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(t, b)
		}()
	}
	wg.Wait()

	require.Equal(t, Open, b.State())

	mu.Lock()
	defer mu.Unlock()
	var opens int
	for _, s := range transitions {
		if s == Open {
			opens++
		}
	}
	assert.Equal(t, 1, opens, "concurrent failures must open the circuit exactly once")
}

func TestDisabledBreakerAdmitsEverything(t *testing.T) {
	r := NewRegistry(BreakerSettings{}, nil)
	b := r.Get(BreakerSettings{Backend: "orders", Disabled: true})
	require.Nil(t, b)

	done, ok := b.Allow()
	require.True(t, ok)
	done(false)
	assert.Equal(t, Closed, b.State())
}

func TestRegistryDefaultsAndSharing(t *testing.T) {
	r := NewRegistry(BreakerSettings{Failures: 2, Cooldown: time.Minute}, nil)

	a := r.Get(BreakerSettings{Backend: "orders"})
	require.NotNil(t, a)
	assert.Equal(t, 2, a.settings.Failures)
	assert.Equal(t, time.Minute, a.settings.Cooldown)

	b := r.Get(BreakerSettings{Backend: "orders"})
	assert.Same(t, a, b)

	c := r.Get(BreakerSettings{Backend: "billing", Failures: 7})
	require.NotNil(t, c)
	assert.Equal(t, 7, c.settings.Failures)
}

func TestRegistryDistinctSettingsSameBackend(t *testing.T) {
	r := NewRegistry(BreakerSettings{}, nil)

	strict := r.Get(BreakerSettings{Backend: "orders", Failures: 2})
	lenient := r.Get(BreakerSettings{Backend: "orders", Failures: 10})
	require.NotNil(t, strict)
	require.NotNil(t, lenient)

	assert.NotSame(t, strict, lenient, "different thresholds must not share a breaker")
	assert.Equal(t, 2, strict.settings.Failures)
	assert.Equal(t, 10, lenient.settings.Failures)

	assert.Same(t, strict, r.Get(BreakerSettings{Backend: "orders", Failures: 2}))
}
