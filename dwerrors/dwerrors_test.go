package dwerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(KindUnknownTool, "no such tool")
	assert.Equal(t, KindUnknownTool, err.Kind)
	assert.Equal(t, "no such tool", err.Message)
	assert.Equal(t, "unknown_tool: no such tool", err.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(KindInvalidArguments, "field %q is required", "task")
	assert.Equal(t, `invalid_arguments: field "task" is required`, err.Error())
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindProviderError, cause, "provider call failed")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestWithFieldReturnsCopyLeavingOriginalUntouched(t *testing.T) {
	base := New(KindInvalidArguments, "bad value")
	withField := base.WithField("query")

	assert.Equal(t, "", base.Field)
	assert.Equal(t, "query", withField.Field)
}

func TestWithAttemptsReturnsCopyLeavingOriginalUntouched(t *testing.T) {
	base := New(KindInternal, "delivery failed")
	withAttempts := base.WithAttempts(3)

	assert.Equal(t, 0, base.Attempts)
	assert.Equal(t, 3, withAttempts.Attempts)
}

func TestAsExtractsWrappedError(t *testing.T) {
	inner := New(KindCancelled, "workflow cancelled")
	wrapped := errors.Join(errors.New("context"), inner)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, got.Kind)
}

func TestAsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}

func TestKindOfDefaultsToInternalForPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestKindOfReportsWrappedKind(t *testing.T) {
	assert.Equal(t, KindShutdown, KindOf(errors.Join(errors.New("context"), New(KindShutdown, "shutting down"))))
}

func TestNilErrorMethodsAreSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, "", e.Error())
	assert.NoError(t, e.Unwrap())
	assert.Nil(t, e.WithField("x"))
	assert.Nil(t, e.WithAttempts(1))
}
