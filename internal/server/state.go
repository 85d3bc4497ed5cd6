package server

import (
	"fmt"

	"gamelink/internal/auth"
)

// State is the lifecycle position of a server-side connection.
type State int32

const (
	StateOffline State = iota
	StateUnauth
	StateAuthRequest
	StateAuthenticated
	StateAvailable
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateUnauth:
		return "UNAUTH"
	case StateAuthRequest:
		return "AUTH_REQUEST"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateAvailable:
		return "AVAILABLE"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Communicable reports whether application messages may flow in this state.
func (s State) Communicable() bool {
	return s == StateAuthenticated || s == StateAvailable
}

// Role selects which handler receives a frame.
type Role int

const (
	RoleAuthenticated Role = iota
	RoleAvailable
)

func (r Role) String() string {
	if r == RoleAvailable {
		return "available"
	}
	return "authenticated"
}

// Disconnect reasons sent by the server itself.
const (
	ReasonAuthTimeout    = "auth timeout"
	ReasonServerShutdown = "server shutting down"
)

type EventKind int

const (
	EventHandshakeComplete EventKind = iota
	EventDetailsSent
	EventFrame
	EventAuthAccepted
	EventAuthRejected
	EventTimerExpired
	EventPromote
	EventShutdown
	EventTransportError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventHandshakeComplete:
		return "handshake_complete"
	case EventDetailsSent:
		return "details_sent"
	case EventFrame:
		return "frame"
	case EventAuthAccepted:
		return "auth_accepted"
	case EventAuthRejected:
		return "auth_rejected"
	case EventTimerExpired:
		return "timer_expired"
	case EventPromote:
		return "promote"
	case EventShutdown:
		return "shutdown"
	case EventTransportError:
		return "transport_error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is an input to the connection state machine.
type Event struct {
	Kind      EventKind
	Frame     []byte
	Reason    string
	Principal auth.Principal
	Err       error

	// set by the read loop on its last event
	final bool
}

type EffectKind int

const (
	EffectSendServerDetails EffectKind = iota
	EffectArmTimer
	EffectCancelTimer
	EffectAuthenticate
	EffectSendAuthenticated
	EffectRegister
	EffectUnregister
	EffectDispatch
	EffectSendDisconnect
	EffectClose
	EffectLogOutOfOrder
	EffectLogTransportError
)

// Effect is an action the connection must perform after a transition.
type Effect struct {
	Kind      EffectKind
	Frame     []byte
	Reason    string
	Role      Role
	Principal auth.Principal
	Err       error
}

// Machine is the pure transition function of a server connection. It holds
// no I/O; Connection applies the effects it returns.
type Machine struct {
	State       State
	AuthPending bool
}

// Next returns the machine after ev and the effects to run, in order.
func (m Machine) Next(ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventHandshakeComplete:
		if m.State != StateOffline {
			return m, nil
		}
		return Machine{State: StateUnauth}, []Effect{{Kind: EffectSendServerDetails}}

	case EventDetailsSent:
		if m.State != StateUnauth {
			return m, nil
		}
		return Machine{State: StateAuthRequest}, []Effect{{Kind: EffectArmTimer}}

	case EventFrame:
		switch m.State {
		case StateAuthRequest:
			if m.AuthPending {
				// only the first frame is an authentication attempt
				return m, []Effect{{Kind: EffectLogOutOfOrder, Frame: ev.Frame}}
			}
			m.AuthPending = true
			return m, []Effect{{Kind: EffectAuthenticate, Frame: ev.Frame}}
		case StateAuthenticated:
			return m, []Effect{{Kind: EffectDispatch, Role: RoleAuthenticated, Frame: ev.Frame}}
		case StateAvailable:
			return m, []Effect{{Kind: EffectDispatch, Role: RoleAvailable, Frame: ev.Frame}}
		default:
			return m, []Effect{{Kind: EffectLogOutOfOrder, Frame: ev.Frame}}
		}

	case EventAuthAccepted:
		if m.State != StateAuthRequest {
			return m, nil
		}
		return Machine{State: StateAuthenticated}, []Effect{
			{Kind: EffectCancelTimer},
			{Kind: EffectSendAuthenticated},
			{Kind: EffectRegister, Principal: ev.Principal},
		}

	case EventAuthRejected:
		if m.State != StateAuthRequest {
			return m, nil
		}
		return Machine{State: StateStopping}, []Effect{
			{Kind: EffectCancelTimer},
			{Kind: EffectSendDisconnect, Reason: ev.Reason},
			{Kind: EffectClose},
		}

	case EventTimerExpired:
		if m.State != StateAuthRequest {
			return m, nil
		}
		return Machine{State: StateStopping}, []Effect{
			{Kind: EffectSendDisconnect, Reason: ReasonAuthTimeout},
			{Kind: EffectClose},
		}

	case EventPromote:
		if m.State != StateAuthenticated {
			return m, nil
		}
		return Machine{State: StateAvailable}, nil

	case EventShutdown:
		if m.State == StateOffline || m.State == StateStopping {
			return m, nil
		}
		reason := ev.Reason
		if reason == "" {
			reason = ReasonServerShutdown
		}
		return Machine{State: StateStopping}, []Effect{
			{Kind: EffectCancelTimer},
			{Kind: EffectSendDisconnect, Reason: reason},
			{Kind: EffectClose},
		}

	case EventTransportError:
		if m.State == StateOffline {
			return m, nil
		}
		return Machine{State: StateOffline}, []Effect{
			{Kind: EffectLogTransportError, Err: ev.Err},
			{Kind: EffectCancelTimer},
			{Kind: EffectUnregister},
			{Kind: EffectClose},
		}

	case EventClosed:
		if m.State == StateOffline {
			return m, nil
		}
		return Machine{State: StateOffline}, []Effect{
			{Kind: EffectCancelTimer},
			{Kind: EffectUnregister},
		}
	}
	return m, nil
}
