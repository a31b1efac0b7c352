package domain

import (
	"fmt"
	"time"
)

type SessionID string

type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosing
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanTransition encodes the session lifecycle graph.
func (s SessionState) CanTransition(to SessionState) bool {
	switch s {
	case StateIdle:
		return to == StateConnecting || to == StateClosing
	case StateConnecting:
		return to == StateStreaming || to == StateReconnecting || to == StateFailed || to == StateClosing
	case StateStreaming:
		return to == StateReconnecting || to == StateClosing
	case StateReconnecting:
		return to == StateConnecting || to == StateFailed || to == StateClosing
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

type SinkKind string

const (
	SinkPush      SinkKind = "push"
	SinkTransport SinkKind = "transport"
)

// TransportState mirrors the connectivity states a real-time transport reports.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Ends reports whether the transport will never accept frames again.
func (t TransportState) Ends() bool {
	return t == TransportFailed || t == TransportClosed
}

// StateChange is emitted on every session transition.
type StateChange struct {
	SessionID SessionID    `json:"session_id"`
	CameraID  CameraID     `json:"camera_id"`
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// SessionStatus is what callers observe about a session.
type SessionStatus struct {
	SessionID       SessionID    `json:"session_id"`
	CameraID        CameraID     `json:"camera_id"`
	Sink            SinkKind     `json:"sink"`
	State           SessionState `json:"state"`
	ErrorKind       ErrorKind    `json:"error_kind,omitempty"`
	Error           string       `json:"error,omitempty"`
	Attempts        int          `json:"attempts"`
	Generation      uint64       `json:"generation"`
	FramesDelivered uint64       `json:"frames_delivered"`
	FramesDropped   uint64       `json:"frames_dropped"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
