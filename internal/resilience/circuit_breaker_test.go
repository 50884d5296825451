// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("tuner0", 3, 30*time.Second, WithClock(clock))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("tuner0", 2, time.Minute)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "failures must be consecutive")
}

func TestCircuitBreaker_HalfOpenBehavior(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("tuner0", 1, 10*time.Second, WithClock(clock))

	// 1. Trip it
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	// 2. Wait for reset timeout; one probe admitted
	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "second concurrent probe rejected")

	// 3. Failed probe reopens
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	// 4. Recover again; a successful probe closes
	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ReleaseKeepsHalfOpen(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("tuner0", 1, time.Second, WithClock(clock))

	cb.RecordFailure()
	clock.now = clock.now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())
	cb.Release()
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Allow(), "a released probe frees the slot")
}
