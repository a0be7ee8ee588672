package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "save", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "save", func(context.Context) error {
		calls++
		if calls < 3 {
			return MarkTransient(errors.New("busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), "save", func(context.Context) error {
		calls++
		return MarkTransient(errors.New("busy"))
	})
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 2, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), "save", func(context.Context) error {
		calls++
		return errors.New("bad input")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, "save", func(context.Context) error {
		calls++
		return MarkTransient(errors.New("busy"))
	})
	assert.Equal(t, 1, calls)
}

func TestDo_CustomRetryable(t *testing.T) {
	sentinel := errors.New("retry me")
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	err := Do(context.Background(), p, "save", func(context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, BaseDelay: time.Hour}

	calls := 0
	err := Do(ctx, p, "save", func(context.Context) error {
		calls++
		cancel()
		return MarkTransient(errors.New("busy"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastPolicy(3), "load", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, MarkTransient(errors.New("busy"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	first := p.backoff(1)
	assert.LessOrEqual(t, first, 100*time.Millisecond)
	assert.GreaterOrEqual(t, first, 75*time.Millisecond)

	capped := p.backoff(10)
	assert.LessOrEqual(t, capped, 300*time.Millisecond)
	assert.GreaterOrEqual(t, capped, 225*time.Millisecond)

	assert.Equal(t, time.Duration(0), Policy{}.backoff(3))
}

func TestPolicy_WithAttempts(t *testing.T) {
	assert.Equal(t, 7, DefaultPolicy().WithAttempts(7).Attempts)
	assert.Equal(t, 3, DefaultPolicy().WithAttempts(0).Attempts)
}
