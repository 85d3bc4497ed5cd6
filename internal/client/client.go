// Package client implements the player side of a gamelink connection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"gamelink/internal/config"
	"gamelink/internal/protocol"
)

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCodec replaces the default codec, e.g. to register application variants.
func WithCodec(codec *protocol.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// Client drives one connection at a time. After the transport closes it
// returns to OFFLINE and can Connect again.
type Client struct {
	cfg       config.ClientConfig
	tlsConfig *tls.Config
	codec     *protocol.Codec
	logger    *slog.Logger
	messages  chan protocol.TransferObject

	mu            sync.Mutex
	state         State
	conn          net.Conn
	identity      *protocol.Identity
	details       *Future[*protocol.ServerDetails]
	authenticated *Future[struct{}]
	closed        chan struct{}
	lastReason    string

	writeMu sync.Mutex

	stateListeners   Listeners[StateListener]
	disposeListeners Listeners[DisposeListener]
}

func New(cfg config.ClientConfig, tlsConfig *tls.Config, opts ...Option) *Client {
	queue := cfg.InboundQueue
	if queue < 1 {
		queue = config.DefaultClientConfig().InboundQueue
	}
	c := &Client{
		cfg:           cfg,
		tlsConfig:     tlsConfig,
		codec:         protocol.NewCodec(protocol.WithMaxFrameSize(cfg.MaxFrameSize)),
		logger:        slog.Default(),
		messages:      make(chan protocol.TransferObject, queue),
		details:       NewFuture[*protocol.ServerDetails](),
		authenticated: NewFuture[struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerDetails resolves when the server greets the current connection.
func (c *Client) ServerDetails() *Future[*protocol.ServerDetails] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details
}

// Authenticated resolves when the server accepts the identity.
func (c *Client) Authenticated() *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Closed is closed when the current transport has been torn down. While
// offline it returns an already closed channel.
func (c *Client) Closed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.closed
}

// Messages delivers application frames received while CONNECTED. When the
// buffer is full new frames are dropped. Frames left unread from a previous
// session are discarded by the next Connect.
func (c *Client) Messages() <-chan protocol.TransferObject {
	return c.messages
}

// LastDisconnectReason is the reason of the most recent Disconnect frame.
func (c *Client) LastDisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReason
}

func (c *Client) OnStateChange(fn StateListener) (remove func()) {
	return c.stateListeners.Add(fn)
}

func (c *Client) OnDispose(fn DisposeListener) (remove func()) {
	return c.disposeListeners.Add(fn)
}

// Connect dials the server and starts the handshake. identity is sent as
// soon as ServerDetails arrives. Only valid while OFFLINE.
func (c *Client) Connect(ctx context.Context, identity *protocol.Identity) error {
	if identity == nil {
		return errors.New("client: identity is required")
	}
	if !c.transition(StateConnecting, StateOffline) {
		return ErrAlreadyConnected
	}
	c.mu.Lock()
	c.identity = identity
	c.lastReason = ""
	c.mu.Unlock()
	c.discardStale()

	addr := c.cfg.Addr()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout},
		Config:    c.tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.transition(StateOffline, StateConnecting, StateStopping)
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect was called while dialing
		c.mu.Unlock()
		_ = conn.Close()
		c.transition(StateOffline, StateStopping)
		return ErrCancelled
	}
	closed := make(chan struct{})
	c.conn = conn
	c.closed = closed
	c.mu.Unlock()

	c.logger.Info("client_connected",
		"addr", addr,
		"crypto_suite", tls.CipherSuiteName(conn.(*tls.Conn).ConnectionState().CipherSuite),
	)
	go c.readLoop(conn, closed)
	return nil
}

// Disconnect tears the transport down and waits until cleanup is done or
// ctx ends. It fails with ErrNotConnected when OFFLINE or already STOPPING.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOffline || c.state == StateStopping {
		c.mu.Unlock()
		return ErrNotConnected
	}
	from := c.state
	c.state = StateStopping
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	c.notify(from, StateStopping)

	if conn == nil {
		// still dialing; Connect notices and cleans up
		return nil
	}
	_ = conn.Close()
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage sends a Message frame. It returns ErrNotConnected instead of
// dropping the text silently when there is no transport.
func (c *Client) SendMessage(text string) error {
	return c.Send(protocol.NewMessage(text))
}

// Send writes obj as one frame. Valid in any state except OFFLINE.
func (c *Client) Send(obj protocol.TransferObject) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state == StateOffline || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.codec.WriteFrame(conn, obj); err != nil {
		return fmt.Errorf("client: send %s: %w", obj.MessageType(), err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn, closed chan struct{}) {
	defer c.cleanup(conn, closed)

	reader := c.codec.NewReader(conn)
	for {
		frame, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && c.State() != StateStopping {
				c.logger.Warn("client_read_error",
					"error", err.Error(),
				)
			}
			return
		}
		obj, err := c.codec.Decode(frame)
		if err != nil {
			// the stream is out of sync; nothing after this can be trusted
			c.logger.Warn("client_decode_failed",
				"error", err.Error(),
			)
			return
		}
		c.receive(conn, obj)
	}
}

func (c *Client) receive(conn net.Conn, obj protocol.TransferObject) {
	switch m := obj.(type) {
	case *protocol.ServerDetails:
		if !c.transition(StateUnauth, StateConnecting) {
			c.outOfOrder(obj)
			return
		}
		c.mu.Lock()
		identity, details := c.identity, c.details
		c.mu.Unlock()
		if err := c.Send(identity); err != nil {
			c.logger.Warn("identity_send_failed",
				"error", err.Error(),
			)
			_ = conn.Close()
			return
		}
		details.Complete(m)

	case *protocol.Authenticated:
		if !c.transition(StateConnected, StateUnauth) {
			c.outOfOrder(obj)
			return
		}
		c.Authenticated().Complete(struct{}{})
		c.logger.Info("client_authenticated")

	case *protocol.Disconnect:
		c.mu.Lock()
		c.lastReason = m.Reason
		c.mu.Unlock()
		c.logger.Info("server_disconnected",
			"reason", m.Reason,
		)
		_ = conn.Close()

	default:
		if c.State() != StateConnected {
			c.outOfOrder(obj)
			return
		}
		select {
		case c.messages <- obj:
		default:
			c.logger.Warn("inbound_queue_full",
				"message_type", string(obj.MessageType()),
			)
		}
	}
}

// discardStale empties the inbound queue. It runs before a new read loop
// starts, so nothing is writing to the queue.
func (c *Client) discardStale() {
	n := 0
	for {
		select {
		case <-c.messages:
			n++
		default:
			if n > 0 {
				c.logger.Debug("stale_messages_discarded", "count", n)
			}
			return
		}
	}
}

func (c *Client) outOfOrder(obj protocol.TransferObject) {
	c.logger.Warn("out_of_order_message",
		"state", c.State().String(),
		"message_type", string(obj.MessageType()),
	)
}

// cleanup runs once per transport, whatever closed it. Pending futures are
// cancelled and replaced so the next Connect starts fresh.
func (c *Client) cleanup(conn net.Conn, closed chan struct{}) {
	_ = conn.Close()

	c.mu.Lock()
	details, authenticated := c.details, c.authenticated
	c.details = NewFuture[*protocol.ServerDetails]()
	c.authenticated = NewFuture[struct{}]()
	c.conn = nil
	from := c.state
	c.state = StateOffline
	c.mu.Unlock()

	details.Fail(ErrCancelled)
	authenticated.Fail(ErrCancelled)

	c.logger.Info("client_disconnected",
		"from_state", from.String(),
	)
	c.notify(from, StateOffline)
	c.disposeListeners.Each(func(fn DisposeListener) { fn() })
	close(closed)
}

// transition moves to `to` if the current state is one of from.
func (c *Client) transition(to State, from ...State) bool {
	c.mu.Lock()
	prev := c.state
	ok := false
	for _, s := range from {
		if prev == s {
			ok = true
			break
		}
	}
	if ok {
		c.state = to
	}
	c.mu.Unlock()

	if ok {
		c.notify(prev, to)
	}
	return ok
}

func (c *Client) notify(from, to State) {
	if from == to {
		return
	}
	c.stateListeners.Each(func(fn StateListener) { fn(from, to) })
}
