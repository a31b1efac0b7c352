package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"connect", NewConnectError(KindUnauthorized, errors.New("401")), KindUnauthorized},
		{"wrapped read", fmt.Errorf("loop: %w", NewReadError(KindEndOfStream, nil)), KindEndOfStream},
		{"delivery", fmt.Errorf("write: %w", ErrDeliveryClosed), KindDeliveryClosed},
		{"exhausted", fmt.Errorf("%w: 3 attempts", ErrResourceExhausted), KindResourceExhausted},
		{"exhausted wraps cause", fmt.Errorf("%w: %w", ErrResourceExhausted, NewConnectError(KindUnreachable, nil)), KindResourceExhausted},
		{"lookup", ErrDeviceNotFound, KindLookup},
		{"other", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewConnectError(KindUnreachable, nil)))
	assert.True(t, IsRetryable(NewConnectError(KindTimeout, nil)))
	assert.False(t, IsRetryable(NewConnectError(KindUnauthorized, nil)))
	assert.False(t, IsRetryable(NewConnectError(KindUnsupported, nil)))
	assert.True(t, IsRetryable(NewReadError(KindNotConnected, nil)))
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", NewReadError(KindDecodeError, nil))))
	assert.False(t, IsRetryable(ErrDeliveryClosed))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(fmt.Errorf("%w: %w", ErrResourceExhausted, NewConnectError(KindTimeout, nil))))
}

func TestConnectError_Unwrap(t *testing.T) {
	cause := errors.New("no route to host")
	err := NewConnectError(KindUnreachable, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "unreachable")
}
