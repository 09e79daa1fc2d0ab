package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindAndIdentity(t *testing.T) {
	errOTP := New(ErrStateConflict, "otp_mismatch", "start code does not match")
	wrapped := fmt.Errorf("start ride: %w", errOTP)

	assert.True(t, errors.Is(wrapped, ErrStateConflict))
	assert.True(t, errors.Is(wrapped, errOTP))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, "otp_mismatch", Code(wrapped))
	assert.Equal(t, "start code does not match", Message(wrapped))
}

func TestWrapHidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:443: i/o timeout")
	err := Wrap(ErrUpstream, "routing_failed", cause)

	assert.True(t, errors.Is(err, ErrUpstream))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "routing_failed", Message(err))
	assert.Contains(t, err.Error(), "i/o timeout")
}

func TestCodeForPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, "internal", Code(err))
	assert.Equal(t, "internal error", Message(err))
}
