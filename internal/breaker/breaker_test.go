package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 1,
		MaxFailureCycles: 3,
		AutoDisable:      true,
	}
}

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestOpensAfterThreshold(t *testing.T) {
	b := New(testConfig(), nil)

	b.RecordFailure("a")
	b.RecordFailure("a")
	assert.Equal(t, StateClosed, b.State("a"))
	assert.False(t, b.IsOpen("a"))

	b.RecordFailure("a")
	assert.Equal(t, StateOpen, b.State("a"))
	assert.True(t, b.IsOpen("a"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig(), nil)

	b.RecordFailure("a")
	b.RecordFailure("a")
	b.RecordSuccess("a")
	b.RecordFailure("a")
	b.RecordFailure("a")

	assert.Equal(t, StateClosed, b.State("a"))
}

func TestHalfOpenProbeWindow(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), nil)
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	require.True(t, b.IsOpen("a"))

	clock.Advance(61 * time.Second)

	// First check after the timeout admits the probe.
	assert.False(t, b.IsOpen("a"))
	assert.Equal(t, StateHalfOpen, b.State("a"))

	// Only HalfOpenMaxCalls probes are admitted.
	assert.True(t, b.IsOpen("a"))
}

func TestInFlightFailuresDoNotDeferProbe(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), nil)
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	require.Equal(t, StateOpen, b.State("a"))

	// Calls already in flight at trip time keep failing while Open.
	clock.Advance(30 * time.Second)
	b.RecordFailure("a")
	b.RecordFailure("a")

	// The probe window is keyed to the trip-time failure, so the
	// original timeout still admits the HalfOpen probe.
	clock.Advance(31 * time.Second)
	assert.False(t, b.IsOpen("a"))
	assert.Equal(t, StateHalfOpen, b.State("a"))
}

func TestHalfOpenFailureIncrementsCycles(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), nil)
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}

	for cycle := 1; cycle <= 3; cycle++ {
		clock.Advance(61 * time.Second)
		require.False(t, b.IsOpen("a"), "probe should be admitted in cycle %d", cycle)
		b.RecordFailure("a")
		assert.Equal(t, StateOpen, b.State("a"))
		assert.Equal(t, cycle, b.FailureCycles("a"))
	}

	assert.True(t, b.ShouldAutoDisable("a"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), nil)
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	clock.Advance(61 * time.Second)
	require.False(t, b.IsOpen("a"))

	b.RecordSuccess("a")
	assert.Equal(t, StateClosed, b.State("a"))
	assert.False(t, b.IsOpen("a"))
}

func TestAutoDisableRespectsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AutoDisable = false
	clock := newFakeClock()
	b := New(cfg, nil)
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	for cycle := 0; cycle < 5; cycle++ {
		clock.Advance(61 * time.Second)
		b.IsOpen("a")
		b.RecordFailure("a")
	}

	assert.False(t, b.ShouldAutoDisable("a"))
}

func TestResetZeroesEverything(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), nil)
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	clock.Advance(61 * time.Second)
	b.IsOpen("a")
	b.RecordFailure("a")
	require.Equal(t, 1, b.FailureCycles("a"))

	b.Reset("a")

	snap := b.Snapshot("a")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.FailureCycles)
	assert.False(t, b.IsOpen("a"))
}

func TestRetryAfter(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), nil)
	b.SetNow(clock.Now)

	assert.Zero(t, b.RetryAfter("a"))

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	retry := b.RetryAfter("a")
	assert.True(t, retry > 0 && retry <= 60*time.Second)

	clock.Advance(30 * time.Second)
	assert.InDelta(t, float64(30*time.Second), float64(b.RetryAfter("a")), float64(time.Second))
}

func TestTransitionNotifications(t *testing.T) {
	type transition struct {
		key      string
		from, to State
	}
	var mu sync.Mutex
	var got []transition

	clock := newFakeClock()
	b := New(testConfig(), func(key string, from, to State, snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, transition{key, from, to})
	})
	b.SetNow(clock.Now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	clock.Advance(61 * time.Second)
	b.IsOpen("a")
	b.RecordSuccess("a")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, transition{"a", StateClosed, StateOpen}, got[0])
	assert.Equal(t, transition{"a", StateOpen, StateHalfOpen}, got[1])
	assert.Equal(t, transition{"a", StateHalfOpen, StateClosed}, got[2])
}

func TestConcurrentFailuresSingleOpenTransition(t *testing.T) {
	var mu sync.Mutex
	opens := 0

	b := New(testConfig(), func(key string, from, to State, snap Snapshot) {
		if to == StateOpen {
			mu.Lock()
			opens++
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("a")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, opens)
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(testConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}

	assert.True(t, b.IsOpen("a"))
	assert.False(t, b.IsOpen("b"))
	assert.Equal(t, StateClosed, b.State("b"))
}
