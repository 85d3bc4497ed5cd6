package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gamelink/internal/protocol"
)

var ErrAuthenticationRejected = errors.New("auth: authentication rejected")

// Principal is the authenticated player bound to a session.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Authenticator decides whether the credentials in a raw Identity frame are
// accepted. It runs off the connection's event loop and may block on I/O,
// but should honour ctx, which is cancelled when the connection goes away.
// A nil error accepts the session; any error rejects it.
type Authenticator interface {
	Authenticate(ctx context.Context, frame []byte) (Principal, error)
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, frame []byte) (Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, frame []byte) (Principal, error) {
	return f(ctx, frame)
}

// RejectedError carries the human readable reason sent back in Disconnect.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "auth: authentication rejected: " + e.Reason
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrAuthenticationRejected
}

func Reject(reason string) error {
	return &RejectedError{Reason: reason}
}

// ReasonFailed is sent when authentication errored rather than rejected.
const ReasonFailed = "authentication failed"

// Reason extracts the client-facing reason from an authenticator error.
// Errors that are not explicit rejections map to a generic reason so
// internal details are not leaked to the peer.
func Reason(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return ReasonFailed
}

// ParseIdentity decodes a raw frame that must be an Identity.
func ParseIdentity(frame []byte) (*protocol.Identity, error) {
	typ, err := protocol.PeekType(frame)
	if err != nil {
		return nil, Reject("malformed identity")
	}
	if typ != protocol.TypeIdentity {
		return nil, Reject(fmt.Sprintf("expected %s, got %s", protocol.TypeIdentity, typ))
	}
	var identity protocol.Identity
	if err := json.Unmarshal(frame, &identity); err != nil {
		return nil, Reject("malformed identity")
	}
	if identity.PlayerID == "" {
		return nil, Reject("missing player id")
	}
	return &identity, nil
}

// AcceptAll accepts any well formed Identity.
func AcceptAll() Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, frame []byte) (Principal, error) {
		identity, err := ParseIdentity(frame)
		if err != nil {
			return Principal{}, err
		}
		return Principal{ID: identity.PlayerID}, nil
	})
}

// RejectAll refuses every session with the given reason.
func RejectAll(reason string) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, frame []byte) (Principal, error) {
		return Principal{}, Reject(reason)
	})
}
