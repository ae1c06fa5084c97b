package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	rejected := errors.New("member exists")
	calls := 0
	err := fast(5).Do(context.Background(), func() error {
		calls++
		return Permanent(rejected)
	})
	assert.Same(t, rejected, err)
	assert.Equal(t, 1, calls)
}

func TestDo_AfterOverridesBackoff(t *testing.T) {
	p := Policy{Attempts: 2, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return After(5*time.Millisecond, errTransient)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_AfterIsCapped(t *testing.T) {
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	start := time.Now()
	calls := 0
	_ = p.Do(context.Background(), func() error {
		calls++
		return After(time.Hour, errTransient)
	})
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_AfterUnwrappedOnLastAttempt(t *testing.T) {
	err := fast(1).Do(context.Background(), func() error {
		return After(time.Second, errTransient)
	})
	assert.Same(t, errTransient, err)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func() error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
}

func TestWrappersKeepNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, After(time.Second, nil))
}

func TestJitterRange(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, 75*time.Millisecond)
		assert.LessOrEqual(t, j, 125*time.Millisecond)
	}
	assert.Zero(t, jitter(0))
}
