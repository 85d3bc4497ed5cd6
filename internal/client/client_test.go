package client

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gamelink/internal/auth"
	"gamelink/internal/config"
	"gamelink/internal/logging"
	"gamelink/internal/protocol"
	"gamelink/internal/server"
	"gamelink/internal/tlsutil"
)

// ClientServerTestSuite runs the client against a real TLS server.
type ClientServerTestSuite struct {
	suite.Suite
	pair   *tlsutil.Pair
	server *server.Server
	cfg    config.ClientConfig
}

func (s *ClientServerTestSuite) SetupSuite() {
	pair, err := tlsutil.SelfSigned("localhost", "127.0.0.1")
	s.Require().NoError(err)
	s.pair = pair
}

func (s *ClientServerTestSuite) TearDownTest() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Stop(ctx)
		s.server = nil
	}
}

// startServer starts a server on a free port and points s.cfg at it.
func (s *ClientServerTestSuite) startServer(opts server.Options, mutate ...func(*config.ServerConfig)) {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.RateLimit = 0
	for _, m := range mutate {
		m(&cfg)
	}
	opts.Logger = logging.Discard()

	srv, err := server.New(cfg, s.pair.ServerConfig(), opts)
	s.Require().NoError(err)
	s.Require().NoError(srv.Start())
	s.server = srv

	host, port, err := net.SplitHostPort(srv.Addr().String())
	s.Require().NoError(err)
	s.cfg = config.DefaultClientConfig()
	s.cfg.Host = host
	s.cfg.Port, err = strconv.Atoi(port)
	s.Require().NoError(err)
}

func (s *ClientServerTestSuite) newClient() *Client {
	return New(s.cfg, s.pair.ClientConfig("localhost"), WithLogger(logging.Discard()))
}

func (s *ClientServerTestSuite) within(d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *ClientServerTestSuite) TestAcceptedLogin() {
	s.startServer(server.Options{Authenticator: auth.AcceptAll()})
	c := s.newClient()

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))

	details, err := c.ServerDetails().Wait(s.within(500 * time.Millisecond))
	s.Require().NoError(err)
	s.Equal("gamelink", details.Name)
	s.Equal("1.0", details.ProtocolVersion)

	_, err = c.Authenticated().Wait(s.within(500 * time.Millisecond))
	s.Require().NoError(err)
	s.Equal(StateConnected, c.State())
}

func (s *ClientServerTestSuite) TestRejectedLogin() {
	s.startServer(server.Options{Authenticator: auth.RejectAll("denied")})
	c := s.newClient()
	authenticated := c.Authenticated()

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	closed := c.Closed()

	select {
	case <-closed:
	case <-time.After(500 * time.Millisecond):
		s.FailNow("transport was not closed within 500ms")
	}

	_, err := authenticated.Wait(context.Background())
	s.ErrorIs(err, ErrCancelled, "authenticated future is cancelled, never resolved")
	s.Equal("denied", c.LastDisconnectReason())
	s.Equal(StateOffline, c.State())
}

func (s *ClientServerTestSuite) TestConnectTwiceIsRejected() {
	s.startServer(server.Options{Authenticator: auth.AcceptAll()})
	c := s.newClient()

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	err := c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token"))
	s.ErrorIs(err, ErrAlreadyConnected)
}

func (s *ClientServerTestSuite) TestSendWhileOffline() {
	c := New(config.DefaultClientConfig(), nil, WithLogger(logging.Discard()))

	s.ErrorIs(c.SendMessage("hello"), ErrNotConnected)
	s.ErrorIs(c.Disconnect(context.Background()), ErrNotConnected)
}

func (s *ClientServerTestSuite) TestMessagesAfterLogin() {
	echo := server.MessageHandlerFunc(func(ctx context.Context, sess server.Session, msg protocol.TransferObject) error {
		if m, ok := msg.(*protocol.Message); ok {
			return sess.WriteMessage("echo:" + m.Value)
		}
		return nil
	})
	s.startServer(server.Options{Authenticator: auth.AcceptAll(), AuthenticatedHandler: echo})
	c := s.newClient()

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	_, err := c.Authenticated().Wait(s.within(time.Second))
	s.Require().NoError(err)

	s.Require().NoError(c.SendMessage("ping"))

	select {
	case obj := <-c.Messages():
		msg, ok := obj.(*protocol.Message)
		s.Require().True(ok)
		s.Equal("echo:ping", msg.Value)
	case <-time.After(time.Second):
		s.FailNow("no reply received")
	}
}

func (s *ClientServerTestSuite) TestDisconnectAndReconnect() {
	s.startServer(server.Options{Authenticator: auth.AcceptAll()})
	c := s.newClient()

	var mu sync.Mutex
	var transitions []string
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+">"+to.String())
	})
	disposed := make(chan struct{}, 2)
	c.OnDispose(func() { disposed <- struct{}{} })

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	_, err := c.Authenticated().Wait(s.within(time.Second))
	s.Require().NoError(err)

	s.Require().NoError(c.Disconnect(s.within(time.Second)))
	s.Equal(StateOffline, c.State())
	s.Len(disposed, 1)
	s.False(c.Authenticated().Resolved(), "futures are re-armed for the next connection")

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	_, err = c.Authenticated().Wait(s.within(time.Second))
	s.Require().NoError(err)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{
		"OFFLINE>CONNECTING", "CONNECTING>UNAUTH", "UNAUTH>CONNECTED",
		"CONNECTED>STOPPING", "STOPPING>OFFLINE",
		"OFFLINE>CONNECTING", "CONNECTING>UNAUTH", "UNAUTH>CONNECTED",
	}, transitions)
}

func (s *ClientServerTestSuite) TestReconnectDiscardsStaleMessages() {
	echo := server.MessageHandlerFunc(func(ctx context.Context, sess server.Session, msg protocol.TransferObject) error {
		if m, ok := msg.(*protocol.Message); ok {
			return sess.WriteMessage("echo:" + m.Value)
		}
		return nil
	})
	s.startServer(server.Options{Authenticator: auth.AcceptAll(), AuthenticatedHandler: echo})
	c := s.newClient()

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	_, err := c.Authenticated().Wait(s.within(time.Second))
	s.Require().NoError(err)
	s.Require().NoError(c.SendMessage("first session"))
	s.Require().Eventually(func() bool { return len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(c.Disconnect(s.within(time.Second)))
	s.Len(c.Messages(), 1, "unread frames stay readable until the next Connect")

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	_, err = c.Authenticated().Wait(s.within(time.Second))
	s.Require().NoError(err)
	s.Require().NoError(c.SendMessage("second session"))

	select {
	case obj := <-c.Messages():
		msg, ok := obj.(*protocol.Message)
		s.Require().True(ok)
		s.Equal("echo:second session", msg.Value)
	case <-time.After(time.Second):
		s.FailNow("no reply received")
	}
}

func (s *ClientServerTestSuite) TestServerStopIsObserved() {
	s.startServer(server.Options{Authenticator: auth.AcceptAll()})
	c := s.newClient()

	s.Require().NoError(c.Connect(s.within(2*time.Second), protocol.NewIdentity("id", "token")))
	_, err := c.Authenticated().Wait(s.within(time.Second))
	s.Require().NoError(err)
	closed := c.Closed()

	s.Require().NoError(s.server.Stop(s.within(2 * time.Second)))

	select {
	case <-closed:
	case <-time.After(time.Second):
		s.FailNow("client did not observe the shutdown")
	}
	s.Equal(server.ReasonServerShutdown, c.LastDisconnectReason())
}

func (s *ClientServerTestSuite) TestDialFailureReturnsToOffline() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := l.Addr().(*net.TCPAddr)
	s.Require().NoError(l.Close())

	cfg := config.DefaultClientConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = addr.Port
	c := New(cfg, s.pair.ClientConfig("localhost"), WithLogger(logging.Discard()))

	s.Error(c.Connect(s.within(time.Second), protocol.NewIdentity("id", "token")))
	s.Equal(StateOffline, c.State())
}

func TestClientServerTestSuite(t *testing.T) {
	suite.Run(t, new(ClientServerTestSuite))
}
