package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("proxy", 2, time.Minute)
	boom := errors.New("boom")

	require.Error(t, cb.Call(func() error { return boom }))
	assert.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Call(func() error { return boom }))
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls are rejected without running fn.
	ran := false
	err := cb.Call(func() error { ran = true; return nil })
	require.Error(t, err)
	assert.False(t, ran)
	assert.Contains(t, err.Error(), "open")
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("proxy", 1, 10*time.Millisecond)
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Call(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("proxy", 2, time.Minute)
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	// One failure since the last success; still closed.
	assert.Equal(t, StateClosed, cb.State())
}
