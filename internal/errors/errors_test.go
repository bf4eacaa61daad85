package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_WrappedChain(t *testing.T) {
	base := errors.New("connection reset")
	te := &TransientError{Err: base}
	wrapped := fmt.Errorf("uploading blob: %w", te)

	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestIsTransient_PlainError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestSentinels_Distinct(t *testing.T) {
	assert.NotErrorIs(t, ErrCapacityExceeded, ErrNotFound)
	assert.NotErrorIs(t, ErrAlreadyShared, ErrAlreadyExists)
}

func TestCapacityExceeded_SurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("inline tier: %w", ErrCapacityExceeded)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}
