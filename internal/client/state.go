package client

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNotConnected     = errors.New("client: not connected")
	ErrCancelled        = errors.New("client: cancelled")
	ErrPending          = errors.New("client: future not resolved")
)

// State is the lifecycle position of a Client.
type State int32

const (
	StateOffline State = iota
	StateConnecting
	StateUnauth
	StateConnected
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateConnecting:
		return "CONNECTING"
	case StateUnauth:
		return "UNAUTH"
	case StateConnected:
		return "CONNECTED"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateListener observes state changes. It runs on the goroutine that made
// the change, after the client lock is released.
type StateListener func(from, to State)

// DisposeListener runs after a transport has been torn down.
type DisposeListener func()
