package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeError_Error(t *testing.T) {
	err := New(ErrCodeConstraintViolation, "duplicate fingerprint", nil)
	assert.Equal(t, "[ERR_204_CONSTRAINT_VIOLATION] duplicate fingerprint", err.Error())
}

func TestPipeError_Unwrap(t *testing.T) {
	cause := errors.New("unique constraint failed")
	err := New(ErrCodeConstraintViolation, "insert failed", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestPipeError_Is_MatchesByCode(t *testing.T) {
	err1 := New(ErrCodeUpstreamTimeout, "embed call timed out", nil)
	err2 := New(ErrCodeUpstreamTimeout, "different message", nil)
	err3 := New(ErrCodeInvalidInput, "bad input", nil)

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestPipeError_KindFromCode(t *testing.T) {
	tests := []struct {
		code string
		kind Kind
	}{
		{ErrCodeUpstreamTimeout, KindTransient},
		{ErrCodeDatabaseBusy, KindTransient},
		{ErrCodeUpstreamRateLimited, KindRateLimited},
		{ErrCodeConstraintViolation, KindPermanent},
		{ErrCodeInvalidInput, KindPermanent},
		{ErrCodeCancelled, KindCancelled},
		{ErrCodeLeaseLost, KindLeaseLost},
		{ErrCodeInternal, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.kind, New(tt.code, "msg", nil).Kind)
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindLeaseLost.Retryable())
	assert.True(t, KindUnknown.Retryable())
	assert.False(t, KindPermanent.Retryable())
	assert.False(t, KindCancelled.Retryable())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindCancelled},
		{"timeout message", errors.New("dial tcp: i/o timeout"), KindTransient},
		{"database locked", errors.New("database is locked (5) (SQLITE_BUSY)"), KindTransient},
		{"connection refused", errors.New("connection refused"), KindTransient},
		{"rate limit", errors.New("429 rate limit exceeded"), KindRateLimited},
		{"quota", errors.New("quota exhausted for model"), KindRateLimited},
		{"constraint", errors.New("UNIQUE constraint failed: documents.content_hash"), KindPermanent},
		{"foreign key", errors.New("FOREIGN KEY constraint failed"), KindPermanent},
		{"unclassifiable", errors.New("something odd happened"), KindUnknown},
		{"wrapped pipe error keeps kind", fmt.Errorf("stage: %w", Cancelled("stopped")), KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("nil returns nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, "nothing"))
	})

	t.Run("pipe error passes through", func(t *testing.T) {
		orig := Permanent(ErrCodeInvalidInput, "bad page range", nil)
		wrapped := Wrap(fmt.Errorf("stage: %w", orig), "ignored")
		assert.Equal(t, orig, wrapped)
	})

	t.Run("plain error gets classified", func(t *testing.T) {
		wrapped := Wrap(errors.New("connection reset by peer"), "embed call failed")
		require.NotNil(t, wrapped)
		assert.Equal(t, KindTransient, wrapped.Kind)
		assert.True(t, wrapped.Retryable())
	})
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentAbortsImmediately(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return Permanent(ErrCodeInvalidInput, "malformed", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	got, err := RetryWithResult(context.Background(), cfg, func() ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("temporarily unavailable")
		}
		return []float32{0.1, 0.2}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, got)
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("vision", WithMaxFailures(3), WithResetTimeout(time.Hour))

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("down") })
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_RecoversViaHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("scraper", WithMaxFailures(1), WithResetTimeout(time.Millisecond))

	_ = cb.Execute(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}
