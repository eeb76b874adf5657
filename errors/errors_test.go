package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_StandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost is transient", ErrConnectionLost, ErrorTransient},
		{"connection timeout is transient", ErrConnectionTimeout, ErrorTransient},
		{"context deadline is transient", context.DeadlineExceeded, ErrorTransient},
		{"invalid frame is invalid", ErrInvalidFrame, ErrorInvalid},
		{"invalid pattern is invalid", ErrInvalidPattern, ErrorInvalid},
		{"invalid config is fatal", ErrInvalidConfig, ErrorFatal},
		{"retries exhausted is fatal", ErrRetriesExhausted, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrap_Format(t *testing.T) {
	base := errors.New("dial refused")
	err := Wrap(base, "Manager", "Connect", "open session")

	assert.EqualError(t, err, "Manager.Connect: open session failed: dial refused")
	assert.ErrorIs(t, err, base)
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestWrapClassified_PreservesChain(t *testing.T) {
	err := WrapInvalid(ErrInvalidMapping, "Registry", "Register", "compile pattern")

	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrInvalidMapping)

	var ce *ClassifiedError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "Registry", ce.Component)
	assert.Equal(t, "Register", ce.Operation)
}

func TestWrapClassified_ClassWinsOverContent(t *testing.T) {
	// Classification set by the wrapper trumps message pattern matching.
	err := WrapFatal(fmt.Errorf("connection reset"), "Manager", "run", "read loop")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestIsTransient_PatternFallback(t *testing.T) {
	assert.True(t, IsTransient(errors.New("i/o timeout on read")))
	assert.True(t, IsTransient(errors.New("service temporarily unavailable")))
	assert.False(t, IsTransient(errors.New("schema mismatch")))
	assert.False(t, IsTransient(nil))
}
