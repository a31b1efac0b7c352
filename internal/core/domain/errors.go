package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceExists      = errors.New("device already exists")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user already exists")
	ErrInvalidParams     = errors.New("invalid connection parameters")
	ErrCameraBusy        = errors.New("camera is already streaming to another viewer")
	ErrDeliveryClosed    = errors.New("delivery sink closed")
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrSinkNotReady means the sink is alive but could not send this frame
	// yet, e.g. a transport still negotiating or waiting for a key frame.
	ErrSinkNotReady = errors.New("delivery sink not ready")
)

// ErrorKind names an entry of the session error taxonomy.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindUnreachable       ErrorKind = "unreachable"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindUnsupported       ErrorKind = "unsupported"
	KindTimeout           ErrorKind = "timeout"
	KindEndOfStream       ErrorKind = "end_of_stream"
	KindDecodeError       ErrorKind = "decode_error"
	KindNotConnected      ErrorKind = "not_connected"
	KindDeliveryClosed    ErrorKind = "delivery_closed"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindLookup            ErrorKind = "lookup_failed"
	KindInternal          ErrorKind = "internal"
)

// ConnectError is returned by CameraSource.Connect.
type ConnectError struct {
	Kind  ErrorKind
	Cause error
}

func NewConnectError(kind ErrorKind, cause error) *ConnectError {
	return &ConnectError{Kind: kind, Cause: cause}
}

func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connect %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("connect %s", e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// Retryable is true only for network level failures.
func (e *ConnectError) Retryable() bool {
	return e.Kind == KindUnreachable || e.Kind == KindTimeout
}

// ReadError is returned by CameraSource.ReadFrame.
type ReadError struct {
	Kind  ErrorKind
	Cause error
}

func NewReadError(kind ErrorKind, cause error) *ReadError {
	return &ReadError{Kind: kind, Cause: cause}
}

func (e *ReadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("read %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("read %s", e.Kind)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// Retryable is always true: a broken read is answered with a reconnect.
func (e *ReadError) Retryable() bool { return true }

// KindOf maps any error to its taxonomy kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrDeliveryClosed):
		return KindDeliveryClosed
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrInvalidParams):
		return KindLookup
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var re *ReadError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a session may reconnect after err.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrResourceExhausted) {
		return false
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	var re *ReadError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
