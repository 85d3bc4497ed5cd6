package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gamelink/internal/auth"
	"gamelink/internal/config"
	"gamelink/internal/logging"
	"gamelink/internal/protocol"
	"gamelink/internal/tlsutil"
)

const waitFor = 2 * time.Second

func testConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Name = "test-server"
	cfg.AuthTimeout = time.Second
	cfg.RateLimit = 0
	return cfg
}

func newTestServer(t *testing.T, cfg config.ServerConfig, opts Options) (*Server, *tlsutil.Pair) {
	t.Helper()
	pair, err := tlsutil.SelfSigned("localhost", "127.0.0.1")
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = auth.AcceptAll()
	}
	srv, err := New(cfg, pair.ServerConfig(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, pair
}

// peer is the client end of a connection driven by hand.
type peer struct {
	t      *testing.T
	conn   net.Conn
	codec  *protocol.Codec
	reader *protocol.FrameReader
	done   chan struct{}
}

// pipePeer serves one in-memory connection on srv.
func pipePeer(t *testing.T, srv *Server) *peer {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	p := &peer{
		t:      t,
		conn:   clientEnd,
		codec:  protocol.NewCodec(),
		reader: protocol.NewFrameReader(clientEnd, protocol.DefaultMaxFrameSize),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		srv.serveConn(serverEnd)
	}()
	t.Cleanup(func() { _ = clientEnd.Close() })
	return p
}

func (p *peer) next() protocol.TransferObject {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	frame, err := p.reader.Next()
	require.NoError(p.t, err)
	obj, err := p.codec.Decode(frame)
	require.NoError(p.t, err)
	return obj
}

// nextErr returns the error that ends the stream.
func (p *peer) nextErr() error {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := p.reader.Next()
	return err
}

func (p *peer) send(obj protocol.TransferObject) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(waitFor)))
	require.NoError(p.t, p.codec.WriteFrame(p.conn, obj))
}

func (p *peer) sendRaw(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(waitFor)))
	_, err := p.conn.Write([]byte(frame + "\r\n"))
	require.NoError(p.t, err)
}

// login runs the handshake and expects the session to be accepted.
func (p *peer) login(id string) {
	p.t.Helper()
	require.IsType(p.t, &protocol.ServerDetails{}, p.next())
	p.send(protocol.NewIdentity(id, "token"))
	require.IsType(p.t, &protocol.Authenticated{}, p.next())
}

func (p *peer) waitClosed() {
	p.t.Helper()
	select {
	case <-p.done:
	case <-time.After(waitFor):
		p.t.Fatal("server side did not close")
	}
}

// recorder collects lifecycle notifications.
type recorder struct {
	mu            sync.Mutex
	opened        []Session
	authenticated []Session
	rejected      []string
	closed        []Session

	closedCh chan Session
}

func newRecorder() *recorder {
	return &recorder{closedCh: make(chan Session, 16)}
}

func (r *recorder) SessionOpened(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, s)
}

func (r *recorder) SessionAuthenticated(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticated = append(r.authenticated, s)
}

func (r *recorder) SessionRejected(_ Session, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, reason)
}

func (r *recorder) SessionClosed(s Session) {
	r.mu.Lock()
	r.closed = append(r.closed, s)
	r.mu.Unlock()
	r.closedCh <- s
}

func (r *recorder) counts() (opened, authenticated, rejected, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened), len(r.authenticated), len(r.rejected), len(r.closed)
}

func (r *recorder) rejections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rejected...)
}

func (r *recorder) lastOpened() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.opened) == 0 {
		return nil
	}
	return r.opened[len(r.opened)-1].(*Connection)
}
