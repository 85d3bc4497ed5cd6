package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// DefaultMaxFrameSize is the largest JSON payload accepted on the wire,
// not counting the trailing delimiter.
const DefaultMaxFrameSize = 8192

// Delimiter terminates every frame. JSON strings escape control characters,
// so an encoded object never contains it.
var Delimiter = []byte("\r\n")

// Factory builds an empty instance of a registered variant for decoding.
type Factory func() TransferObject

// Codec turns transfer objects into delimited JSON frames and back.
// It keeps no per-stream state; one Codec can serve every connection.
type Codec struct {
	mu           sync.RWMutex
	factories    map[Type]Factory
	maxFrameSize int
}

type Option func(*Codec)

// WithMaxFrameSize overrides DefaultMaxFrameSize. Non-positive values are ignored.
func WithMaxFrameSize(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// NewCodec returns a codec with the built-in variants registered.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		factories:    make(map[Type]Factory),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.factories[TypeServerDetails] = func() TransferObject { return &ServerDetails{} }
	c.factories[TypeIdentity] = func() TransferObject { return &Identity{} }
	c.factories[TypeAuthenticated] = func() TransferObject { return &Authenticated{} }
	c.factories[TypeDisconnect] = func() TransferObject { return &Disconnect{} }
	c.factories[TypeMessage] = func() TransferObject { return &Message{} }
	c.factories[TypeNotification] = func() TransferObject { return &Notification{} }
	return c
}

// Register adds an application variant. Each discriminator can be registered once.
func (c *Codec) Register(t Type, factory Factory) error {
	if t == "" || factory == nil {
		return fmt.Errorf("protocol: register %q: empty type or nil factory", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	c.factories[t] = factory
	return nil
}

func (c *Codec) MaxFrameSize() int {
	return c.maxFrameSize
}

// Marshal encodes obj as a JSON object whose first field is "type".
// The result does not include the delimiter.
func (c *Codec) Marshal(obj TransferObject) ([]byte, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: nil transfer object", ErrMalformedFrame)
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", obj.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode to an object", ErrMalformedFrame, obj.MessageType())
	}

	out := make([]byte, 0, len(body)+len(obj.MessageType())+16)
	out = append(out, `{"type":`...)
	out = strconv.AppendQuote(out, string(obj.MessageType()))
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// WriteFrame writes one delimited frame in a single Write call.
func (c *Codec) WriteFrame(w io.Writer, obj TransferObject) error {
	data, err := c.Marshal(obj)
	if err != nil {
		return err
	}
	if len(data) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), c.maxFrameSize)
	}
	data = append(data, Delimiter...)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Decode reads the "type" field first and unmarshals the frame into a fresh
// value of the matching variant. Unknown fields are ignored.
func (c *Codec) Decode(frame []byte) (TransferObject, error) {
	if len(frame) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(frame), c.maxFrameSize)
	}

	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	c.mu.RLock()
	factory, ok := c.factories[*head.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, *head.Type)
	}

	obj := factory()
	if err := json.Unmarshal(frame, obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, *head.Type, err)
	}
	return obj, nil
}

// PeekType returns the discriminator of a frame without decoding the variant.
func PeekType(frame []byte) (Type, error) {
	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == nil {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return *head.Type, nil
}
