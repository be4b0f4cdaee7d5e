package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(KindInvalidState, "intent is not capturable")
	wrapped := fmt.Errorf("capture pi_1: %w", base)

	assert.Equal(t, KindInvalidState, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.True(t, IsKind(wrapped, KindInvalidState))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindProcessor, KindOf(context.DeadlineExceeded))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestProcessorRetryable(t *testing.T) {
	cause := errors.New("502 bad gateway")
	err := Processor("processor unavailable", true, cause)

	assert.True(t, IsRetryable(fmt.Errorf("create: %w", err)))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "processor unavailable: 502 bad gateway", err.Error())
	assert.False(t, IsRetryable(Validation("amount", "must be positive")))
}

func TestValidationMessage(t *testing.T) {
	assert.Equal(t, "amount: must be positive", Validation("amount", "must be positive").Error())
	assert.Equal(t, "bad input", Validation("", "bad input").Error())
}
