package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAssemblesFields(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Unavailable(CodeStorageUnavailable, "hot tier unreachable").
		WithOperation("hot.Store").
		WithResource("heimdall-logs").
		WithDetails("after 3 attempts").
		WithRetryAfter(2 * time.Second).
		WithCause(cause).
		Build()

	assert.Equal(t, ErrorTypeUnavailable, err.Type)
	assert.Equal(t, CodeStorageUnavailable, err.Code)
	assert.Equal(t, "hot.Store", err.Operation)
	assert.Equal(t, "heimdall-logs", err.Resource)
	assert.Equal(t, 2*time.Second, err.RetryAfter)
	assert.True(t, err.Retryable)
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "UNAVAILABLE")
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", Validation(CodeInvalidQuery, "bad").Build(), IsValidation},
		{"not found", NotFound(CodeSubscriptionNotFound, "gone").Build(), IsNotFound},
		{"conflict", Conflict(CodeDuplicateEntry, "dup").Build(), IsConflict},
		{"timeout", Timeout(CodeQueryTimeout, "slow").Build(), IsTimeout},
		{"unavailable", Unavailable(CodeStorageUnavailable, "down").Build(), IsUnavailable},
		{"circuit open", CircuitOpen(CodeCircuitOpen, "open").Build(), IsCircuitOpen},
		{"overloaded", Overloaded(CodeOverloaded, "full").Build(), IsOverloaded},
		{"pool closed", PoolClosed(CodePoolShutDown, "closed").Build(), IsPoolClosed},
		{"internal", Internal(CodeMigrationFailed, "broken").Build(), IsInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.False(t, tt.check(stderrors.New("plain")))
		})
	}
}

func TestClassifiersSeeThroughWrapping(t *testing.T) {
	inner := Timeout(CodeAcquireTimeout, "pool acquire timed out").Build()
	wrapped := fmt.Errorf("acquiring warm connection: %w", inner)

	assert.True(t, IsTimeout(wrapped))
	assert.Equal(t, CodeAcquireTimeout, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestIsRetryableOverridesBuilderFlag(t *testing.T) {
	// These categories must never be retried inline, however they were built.
	assert.False(t, IsRetryable(CircuitOpen(CodeCircuitOpen, "open").WithRetryable(true).Build()))
	assert.False(t, IsRetryable(Overloaded(CodeOverloaded, "full").WithRetryAfter(time.Second).Build()))
	assert.False(t, IsRetryable(Validation(CodeInvalidEntry, "bad").WithRetryable(true).Build()))

	assert.True(t, IsRetryable(Unavailable(CodeStorageUnavailable, "down").Build()))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestWrapPreservesClassification(t *testing.T) {
	inner := Unavailable(CodeStorageUnavailable, "warm tier down").
		WithResource("log_entries").Build()

	wrapped := Wrap(inner, "storage.Query", "tier query failed")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrorTypeUnavailable, wrapped.Type)
	assert.Equal(t, CodeStorageUnavailable, wrapped.Code)
	assert.Equal(t, "storage.Query", wrapped.Operation)
	assert.Equal(t, "log_entries", wrapped.Resource)
	assert.True(t, wrapped.Retryable)
	assert.True(t, stderrors.Is(wrapped, inner))
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(stderrors.New("boom"), "migrator.RunOnce", "migration pass failed")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrorTypeInternal, wrapped.Type)
	assert.Equal(t, "boom", wrapped.Details)

	assert.Nil(t, Wrap(nil, "op", "msg"))
}

func TestCodeOfAndSeverityDefaults(t *testing.T) {
	assert.Equal(t, "", CodeOf(stderrors.New("plain")))
	assert.Equal(t, SeverityMedium, GetSeverity(stderrors.New("plain")))
	assert.Equal(t, SeverityHigh, GetSeverity(Internal(CodeMigrationFailed, "x").Build()))
}
