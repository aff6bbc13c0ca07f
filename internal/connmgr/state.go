package connmgr

import (
	"fmt"
	"time"
)

// Status is the tunnel state of the active environment.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range allStatuses {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel status %q", b)
}

var allStatuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusDisconnecting, StatusError}

// TunnelState is the in-memory view of the tunnel. It is never persisted.
type TunnelState struct {
	Status        Status `json:"status"`
	EnvironmentID string `json:"environmentId,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

// transitionBufferSize is the number of transitions kept for debugging.
const transitionBufferSize = 50

// Transition records one state change.
type Transition struct {
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	EnvironmentID string    `json:"environmentId,omitempty"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// StateChangeCallback is called after every transition, outside the
// manager's lock. Long-running handlers should spawn goroutines.
type StateChangeCallback func(Transition)

// transitionLog is a fixed-size ring buffer of transitions.
type transitionLog struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (l *transitionLog) record(t Transition) {
	l.entries[l.head] = t
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the transitions oldest first.
func (l *transitionLog) history() []Transition {
	if l.count == 0 {
		return nil
	}
	result := make([]Transition, l.count)
	if l.count < transitionBufferSize {
		copy(result, l.entries[:l.count])
	} else {
		n := copy(result, l.entries[l.head:])
		copy(result[n:], l.entries[:l.head])
	}
	return result
}
