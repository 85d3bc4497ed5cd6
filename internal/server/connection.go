package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gamelink/internal/auth"
	"gamelink/internal/protocol"
)

// closeGrace bounds the close_notify write when tearing a connection down.
const closeGrace = time.Second

// inboundBuffer is how many decoded frames the reader may run ahead of the loop.
const inboundBuffer = 64

var errAuthenticatorPanic = errors.New("server: authenticator panicked")

// Connection is the server side of one client connection. Every state change
// and every handler call happens on its event loop goroutine; a separate
// reader goroutine feeds it frames.
type Connection struct {
	id     string
	srv    *Server
	conn   net.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	limiter     *rate.Limiter
	cryptoSuite string

	writeMu   sync.Mutex
	state     atomic.Int32
	principal atomic.Pointer[auth.Principal]
	closing   atomic.Bool

	inbound chan Event
	queue   eventQueue

	// owned by the event loop
	machine    Machine
	timer      *Timer
	registered bool
	opened     bool
}

func (s *Server) newConnection(conn net.Conn) *Connection {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Connection{
		id:     id,
		srv:    s,
		conn:   conn,
		logger: s.logger.With("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		ctx:    ctx,
		cancel: cancel,
		// plain transports (tests, local pipes) report no suite
		cryptoSuite: "NONE",
		inbound:     make(chan Event, inboundBuffer),
		queue:       eventQueue{ready: make(chan struct{}, 1)},
	}
	if s.cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), max(s.cfg.RateBurst, 1))
	}
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// CryptoSuite is the negotiated TLS cipher suite name.
func (c *Connection) CryptoSuite() string { return c.cryptoSuite }

func (c *Connection) Principal() auth.Principal {
	if p := c.principal.Load(); p != nil {
		return *p
	}
	return auth.Principal{}
}

// Send writes obj as a single frame. Writes from different goroutines are
// serialized; a write that cannot complete within the write timeout fails.
func (c *Connection) Send(obj protocol.TransferObject) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d := c.srv.cfg.WriteTimeout; d > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
	return c.srv.codec.WriteFrame(c.conn, obj)
}

func (c *Connection) WriteMessage(text string) error {
	return c.Send(protocol.NewMessage(text))
}

// Promote takes effect after the current handler call returns.
func (c *Connection) Promote() {
	c.queue.push(Event{Kind: EventPromote})
}

func (c *Connection) Shutdown(reason string) {
	c.queue.push(Event{Kind: EventShutdown, Reason: reason})
}

// TimerExpired is called by the TimeoutManager. The state check happens on
// the event loop, so an expiry racing a successful login is dropped there.
func (c *Connection) TimerExpired() {
	c.queue.push(Event{Kind: EventTimerExpired})
}

// serve runs the connection to completion.
func (c *Connection) serve() {
	defer c.finish()

	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		ctx := c.ctx
		if d := c.srv.cfg.HandshakeTimeout; d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			c.logger.Warn("tls_handshake_failed",
				"error", err.Error(),
			)
			return
		}
		c.cryptoSuite = tls.CipherSuiteName(tlsConn.ConnectionState().CipherSuite)
	}

	if c.srv.isStopping() {
		return
	}

	c.opened = true
	c.logger.Info("session_opened",
		"crypto_suite", c.cryptoSuite,
	)
	c.srv.observer.SessionOpened(c)

	go c.readLoop()
	c.handle(Event{Kind: EventHandshakeComplete})
	c.run()
}

// run is the event loop. Posted events take priority over the next frame,
// so a Promote issued by a handler applies before the following frame.
func (c *Connection) run() {
	for {
		select {
		case <-c.queue.ready:
			c.drainQueue()
			continue
		default:
		}

		select {
		case ev := <-c.inbound:
			c.handle(ev)
			if ev.final {
				return
			}
		case <-c.queue.ready:
			c.drainQueue()
		}
	}
}

func (c *Connection) drainQueue() {
	for _, ev := range c.queue.drain() {
		c.handle(ev)
	}
}

func (c *Connection) finish() {
	c.cancel()
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	if c.registered {
		c.srv.registry.Remove(c.id)
		c.registered = false
	}
	c.close()
	c.state.Store(int32(StateOffline))

	if c.opened {
		c.logger.Info("session_closed",
			"player_id", c.Principal().ID,
		)
		c.srv.observer.SessionClosed(c)
	}
}

// handle feeds ev through the state machine and applies the resulting
// effects. Effects may produce follow-up events, which are handled before
// handle returns.
func (c *Connection) handle(ev Event) {
	pending := []Event{ev}
	for len(pending) > 0 {
		ev := pending[0]
		pending = pending[1:]

		prev := c.machine
		next, effects := prev.Next(ev)
		c.machine = next
		c.state.Store(int32(next.State))

		if prev.State != next.State {
			c.logger.Debug("session_state_changed",
				"from", prev.State.String(),
				"to", next.State.String(),
				"event", ev.Kind.String(),
			)
		}
		if prev.State == StateAuthRequest && next.State == StateStopping {
			c.rejected(ev)
		}

		for _, eff := range effects {
			if follow, ok := c.apply(eff); ok {
				pending = append(pending, follow)
			}
		}
	}
}

func (c *Connection) rejected(ev Event) {
	switch ev.Kind {
	case EventAuthRejected:
		c.logger.Info("authentication_rejected",
			"reason", ev.Reason,
		)
		c.srv.observer.SessionRejected(c, ev.Reason)
	case EventTimerExpired:
		c.logger.Warn("authentication_timeout",
			"error", ErrAuthenticationTimeout.Error(),
			"timeout", c.srv.timeouts.Delay().String(),
		)
		c.srv.observer.SessionRejected(c, ReasonAuthTimeout)
	}
}

func (c *Connection) apply(eff Effect) (Event, bool) {
	switch eff.Kind {
	case EffectSendServerDetails:
		details := protocol.NewServerDetails(
			c.srv.cfg.Name,
			c.cryptoSuite,
			c.srv.cfg.ProtocolVersion,
			c.srv.cfg.BuildNumber,
		)
		if err := c.Send(details); err != nil {
			return transportError(err), true
		}
		return Event{Kind: EventDetailsSent}, true

	case EffectArmTimer:
		c.timer = c.srv.timeouts.Arm(c)

	case EffectCancelTimer:
		if c.timer != nil {
			c.timer.Cancel()
			c.timer = nil
		}

	case EffectAuthenticate:
		c.authenticate(eff.Frame)

	case EffectSendAuthenticated:
		if err := c.Send(protocol.NewAuthenticated()); err != nil {
			return transportError(err), true
		}

	case EffectRegister:
		principal := eff.Principal
		c.principal.Store(&principal)
		c.srv.registry.Add(c)
		c.registered = true
		c.logger.Info("session_authenticated",
			"player_id", principal.ID,
		)
		c.srv.observer.SessionAuthenticated(c)

	case EffectUnregister:
		if c.registered {
			c.srv.registry.Remove(c.id)
			c.registered = false
		}

	case EffectDispatch:
		return c.dispatch(eff.Role, eff.Frame)

	case EffectSendDisconnect:
		c.logger.Info("session_disconnecting",
			"reason", eff.Reason,
		)
		if err := c.Send(protocol.NewDisconnect(eff.Reason)); err != nil {
			c.logger.Debug("disconnect_send_failed",
				"error", err.Error(),
			)
		}

	case EffectClose:
		c.close()

	case EffectLogOutOfOrder:
		typ, _ := protocol.PeekType(eff.Frame)
		c.logger.Warn("out_of_order_message",
			"state", c.machine.State.String(),
			"message_type", string(typ),
			"error", ErrOutOfOrderMessage.Error(),
		)

	case EffectLogTransportError:
		c.logger.Error("transport_error",
			"error", errorString(eff.Err),
		)
	}
	return Event{}, false
}

func (c *Connection) dispatch(role Role, frame []byte) (Event, bool) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("rate_limit_exceeded",
			"role", role.String(),
		)
		return Event{}, false
	}

	msg, err := c.srv.codec.Decode(frame)
	if err != nil {
		return transportError(err), true
	}
	if err := c.invoke(c.srv.handlers[role], msg); err != nil {
		return transportError(fmt.Errorf("%s handler: %w", role, err)), true
	}
	return Event{}, false
}

func (c *Connection) invoke(h MessageHandler, msg protocol.TransferObject) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.HandleMessage(c.ctx, c, msg)
}

// authenticate runs the Authenticator off the loop and posts its verdict back.
func (c *Connection) authenticate(frame []byte) {
	go func() {
		principal, err := c.runAuthenticator(frame)
		switch {
		case err == nil:
			c.queue.push(Event{Kind: EventAuthAccepted, Principal: principal})
		case errors.Is(err, errAuthenticatorPanic):
			c.queue.push(transportError(err))
		default:
			if !errors.Is(err, auth.ErrAuthenticationRejected) {
				c.logger.Warn("authenticator_failed",
					"error", err.Error(),
				)
			}
			c.queue.push(Event{Kind: EventAuthRejected, Reason: auth.Reason(err)})
		}
	}()
}

func (c *Connection) runAuthenticator(frame []byte) (p auth.Principal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errAuthenticatorPanic, r)
		}
	}()
	return c.srv.authenticator.Authenticate(c.ctx, frame)
}

func (c *Connection) readLoop() {
	reader := c.srv.codec.NewReader(c.conn)
	for {
		frame, err := reader.Next()
		if err != nil {
			c.inbound <- c.readFailure(err)
			return
		}
		c.inbound <- Event{Kind: EventFrame, Frame: frame}
	}
}

func (c *Connection) readFailure(err error) Event {
	if c.closing.Load() {
		return Event{Kind: EventClosed, final: true}
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		c.logger.Info("client_disconnected")
		return Event{Kind: EventClosed, final: true}
	}
	ev := transportError(err)
	ev.final = true
	return ev
}

func (c *Connection) close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("connection_close_failed",
			"error", err.Error(),
		)
	}
}

func transportError(err error) Event {
	return Event{Kind: EventTransportError, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// eventQueue is an unbounded FIFO so that posting from handlers, timers and
// authenticators never blocks, including posts made from the loop itself.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
