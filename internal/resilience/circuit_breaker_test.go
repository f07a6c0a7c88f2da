// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBoom = errors.New("boom")

func newTestBreaker(clock *mockClock) *CircuitBreaker {
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}, WithClock(clock))
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(&mockClock{now: time.Now()})

	fail := func() error { return errBoom }
	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls are rejected without invoking fn.
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &mockClock{now: time.Now()}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(31 * time.Second)

	// First probe is allowed; one success is not yet enough to close.
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second consecutive success closes the breaker.
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := &mockClock{now: time.Now()}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	clock.now = clock.now.Add(31 * time.Second)

	require.Error(t, cb.Execute(ctx, func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	ctx := context.Background()
	clock := &mockClock{now: time.Now()}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())
	clock.now = clock.now.Add(31 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(ctx, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	require.Equal(t, StateHalfOpen, cb.State())

	// While the probe is in flight, concurrent calls are rejected unexecuted.
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	close(release)
	require.NoError(t, <-probeDone)

	// The probe slot is free again; the next success closes the breaker.
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(&mockClock{now: time.Now()})

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateClosed, cb.State())
}

func TestRegistrySnapshots(t *testing.T) {
	reg := NewRegistry(DefaultCircuitBreakerConfig(), nil)
	reg.Breaker(BackendModelRouter)
	reg.Breaker(BackendMemory)

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, BackendMemory, snaps[0].Backend)
	assert.Equal(t, BackendModelRouter, snaps[1].Backend)
	assert.Equal(t, "closed", snaps[0].State)
	assert.Equal(t, 5, snaps[0].FailureThreshold)
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	reg := NewRegistry(DefaultCircuitBreakerConfig(), nil)
	assert.Same(t, reg.Breaker(BackendMemory), reg.Breaker(BackendMemory))
}
