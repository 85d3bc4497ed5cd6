package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type is the wire discriminator carried in every frame's "type" field.
type Type string

const (
	TypeServerDetails Type = "ServerDetails"
	TypeIdentity      Type = "Identity"
	TypeAuthenticated Type = "Authenticated"
	TypeDisconnect    Type = "Disconnect"
	TypeMessage       Type = "Message"
	TypeNotification  Type = "Notification"
)

// TransferObject is one message exchanged between client and server.
// The discriminator is derived from the Go type, so a peer can never set it.
type TransferObject interface {
	MessageType() Type
	ID() string
}

// ServerDetails is sent once by the server right after the TLS handshake.
type ServerDetails struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	CryptoSuiteInUse string `json:"cryptoSuiteInUse"`
	ProtocolVersion  string `json:"protocolVersion"`
	BuildNumber      int    `json:"buildNumber"`
}

func NewServerDetails(name, cryptoSuite, protocolVersion string, buildNumber int) *ServerDetails {
	return &ServerDetails{
		UUID:             uuid.NewString(),
		Name:             name,
		CryptoSuiteInUse: cryptoSuite,
		ProtocolVersion:  protocolVersion,
		BuildNumber:      buildNumber,
	}
}

func (m *ServerDetails) MessageType() Type { return TypeServerDetails }
func (m *ServerDetails) ID() string        { return m.UUID }

// Identity carries the opaque credential pair handed to the authenticator.
type Identity struct {
	UUID     string `json:"uuid"`
	PlayerID string `json:"id"`
	Token    string `json:"token"`
}

func NewIdentity(playerID, token string) *Identity {
	return &Identity{UUID: uuid.NewString(), PlayerID: playerID, Token: token}
}

func (m *Identity) MessageType() Type { return TypeIdentity }
func (m *Identity) ID() string        { return m.UUID }

// Authenticated marks the session as usable.
type Authenticated struct {
	UUID string `json:"uuid"`
}

func NewAuthenticated() *Authenticated {
	return &Authenticated{UUID: uuid.NewString()}
}

func (m *Authenticated) MessageType() Type { return TypeAuthenticated }
func (m *Authenticated) ID() string        { return m.UUID }

// Disconnect is written by the server immediately before it closes a connection.
type Disconnect struct {
	UUID   string `json:"uuid"`
	Reason string `json:"reason"`
}

func NewDisconnect(reason string) *Disconnect {
	return &Disconnect{UUID: uuid.NewString(), Reason: reason}
}

func (m *Disconnect) MessageType() Type { return TypeDisconnect }
func (m *Disconnect) ID() string        { return m.UUID }

// Message is the generic authenticated-phase payload.
type Message struct {
	UUID  string `json:"uuid"`
	Value string `json:"value"`
}

func NewMessage(value string) *Message {
	return &Message{UUID: uuid.NewString(), Value: value}
}

func (m *Message) MessageType() Type { return TypeMessage }
func (m *Message) ID() string        { return m.UUID }

// Notification is a server push outside direct request/response.
// Payload is left to the application and must be valid JSON when set.
type Notification struct {
	UUID    string          `json:"uuid"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewNotification(topic string, payload json.RawMessage) *Notification {
	return &Notification{UUID: uuid.NewString(), Topic: topic, Payload: payload}
}

func (m *Notification) MessageType() Type { return TypeNotification }
func (m *Notification) ID() string        { return m.UUID }
