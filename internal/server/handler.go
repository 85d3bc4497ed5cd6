package server

import (
	"context"
	"errors"
	"log/slog"

	"gamelink/internal/auth"
	"gamelink/internal/protocol"
)

var (
	ErrAuthenticationTimeout = errors.New("server: authentication timeout")
	ErrOutOfOrderMessage     = errors.New("server: out of order message")
	ErrTransport             = errors.New("server: transport error")
	ErrServerClosed          = errors.New("server: closed")
)

// Session is the handle a MessageHandler uses to talk back to its peer.
type Session interface {
	ID() string
	Principal() auth.Principal
	State() State
	RemoteAddr() string

	// Send writes obj as one frame. Safe for concurrent use.
	Send(obj protocol.TransferObject) error
	// WriteMessage sends a Message frame carrying text.
	WriteMessage(text string) error

	// Promote moves an AUTHENTICATED session to AVAILABLE.
	Promote()
	// Shutdown sends Disconnect{reason} and closes the connection.
	Shutdown(reason string)
}

// MessageHandler receives the decoded frames of one communicable session.
// Calls for a session are serialized on its event loop, so long-running work
// belongs on another goroutine.
type MessageHandler interface {
	HandleMessage(ctx context.Context, s Session, msg protocol.TransferObject) error
}

type MessageHandlerFunc func(ctx context.Context, s Session, msg protocol.TransferObject) error

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, s Session, msg protocol.TransferObject) error {
	return f(ctx, s, msg)
}

// discardHandler is used when no handler is configured for a role.
type discardHandler struct {
	logger *slog.Logger
	role   Role
}

func (h discardHandler) HandleMessage(_ context.Context, s Session, msg protocol.TransferObject) error {
	h.logger.Debug("message_discarded",
		"session_id", s.ID(),
		"role", h.role.String(),
		"message_type", string(msg.MessageType()),
	)
	return nil
}

// Observer is told about session lifecycle milestones. Methods run on the
// session's event loop and must return quickly.
type Observer interface {
	SessionOpened(s Session)
	SessionAuthenticated(s Session)
	SessionRejected(s Session, reason string)
	SessionClosed(s Session)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) SessionOpened(Session) {}

func (NopObserver) SessionAuthenticated(Session) {}

func (NopObserver) SessionRejected(Session, string) {}

func (NopObserver) SessionClosed(Session) {}

type observers []Observer

func (o observers) SessionOpened(s Session) {
	for _, obs := range o {
		obs.SessionOpened(s)
	}
}

func (o observers) SessionAuthenticated(s Session) {
	for _, obs := range o {
		obs.SessionAuthenticated(s)
	}
}

func (o observers) SessionRejected(s Session, reason string) {
	for _, obs := range o {
		obs.SessionRejected(s, reason)
	}
}

func (o observers) SessionClosed(s Session) {
	for _, obs := range o {
		obs.SessionClosed(s)
	}
}
