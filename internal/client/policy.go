package client

import "time"

// State is the client connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
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
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransportMode is one way of dialing the relay, richest first.
type TransportMode int

const (
	ModeCompressed TransportMode = iota // websocket with permessage-deflate
	ModePlain                           // websocket without extensions
)

func (m TransportMode) String() string {
	switch m {
	case ModeCompressed:
		return "websocket+compression"
	case ModePlain:
		return "websocket"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	// MaxDelayCeiling bounds Policy.MaxDelay.
	MaxDelayCeiling = 5 * time.Second
)

// Policy governs reconnection. Zero fields take the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Modes is the transport capability set, richest first. A mode that
	// fails to dial is dropped for the rest of the manager's life.
	Modes []TransportMode
}

// DefaultPolicy is 5 attempts, 1s linear steps capped at 5s, compression
// preferred.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    MaxDelayCeiling,
		Modes:       []TransportMode{ModeCompressed, ModePlain},
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 || p.MaxDelay > MaxDelayCeiling {
		p.MaxDelay = MaxDelayCeiling
	}
	if p.BaseDelay > p.MaxDelay {
		p.BaseDelay = p.MaxDelay
	}
	if len(p.Modes) == 0 {
		p.Modes = []TransportMode{ModeCompressed, ModePlain}
	} else {
		p.Modes = append([]TransportMode(nil), p.Modes...)
	}
	return p
}

// Delay returns the wait before reconnect attempt n (1-based):
// min(BaseDelay*n, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}
