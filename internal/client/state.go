package client

import (
	"math"
	"time"
)

// State is the connection lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StatePermanentlyFailed is terminal until the next explicit Connect.
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// stateNames lists every state label, for the client state gauge.
var stateNames = []string{
	StateDisconnected.String(),
	StateConnecting.String(),
	StateConnected.String(),
	StateReconnecting.String(),
	StatePermanentlyFailed.String(),
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base*2^(n-1), capped at ceiling when ceiling > 0.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
