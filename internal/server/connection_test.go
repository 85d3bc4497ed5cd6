package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamelink/internal/auth"
	"gamelink/internal/protocol"
)

func echo(prefix string) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, s Session, msg protocol.TransferObject) error {
		m, ok := msg.(*protocol.Message)
		if !ok {
			return nil
		}
		return s.WriteMessage(prefix + m.Value)
	})
}

func TestConnection_AcceptFlow(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig()
	cfg.ProtocolVersion = "2.1"
	cfg.BuildNumber = 77
	srv, _ := newTestServer(t, cfg, Options{Observers: []Observer{rec}})
	p := pipePeer(t, srv)

	details, ok := p.next().(*protocol.ServerDetails)
	require.True(t, ok)
	assert.Equal(t, "test-server", details.Name)
	assert.Equal(t, "2.1", details.ProtocolVersion)
	assert.Equal(t, 77, details.BuildNumber)
	assert.Equal(t, "NONE", details.CryptoSuiteInUse)
	assert.Len(t, details.UUID, 36)

	p.send(protocol.NewIdentity("player-1", "token"))
	assert.IsType(t, &protocol.Authenticated{}, p.next())

	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)
	conn := rec.lastOpened()
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.Equal(t, "player-1", conn.Principal().ID)

	require.NoError(t, p.conn.Close())
	p.waitClosed()
	assert.Zero(t, srv.Registry().Len())
	assert.Equal(t, StateOffline, conn.State())

	opened, authenticated, rejected, closed := rec.counts()
	assert.Equal(t, []int{1, 1, 0, 1}, []int{opened, authenticated, rejected, closed})
}

func TestConnection_RejectSendsDisconnect(t *testing.T) {
	rec := newRecorder()
	srv, _ := newTestServer(t, testConfig(), Options{
		Authenticator: auth.RejectAll("go away"),
		Observers:     []Observer{rec},
	})
	p := pipePeer(t, srv)

	require.IsType(t, &protocol.ServerDetails{}, p.next())
	p.send(protocol.NewIdentity("id", "token"))

	disconnect, ok := p.next().(*protocol.Disconnect)
	require.True(t, ok)
	assert.Equal(t, "go away", disconnect.Reason)
	assert.ErrorIs(t, p.nextErr(), io.EOF)

	p.waitClosed()
	assert.Equal(t, []string{"go away"}, rec.rejections())
	assert.Zero(t, srv.Registry().Len())
}

func TestConnection_InternalAuthErrorIsNotLeaked(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), Options{
		Authenticator: auth.AuthenticatorFunc(func(context.Context, []byte) (auth.Principal, error) {
			return auth.Principal{}, errors.New("pq: password authentication failed for user game")
		}),
	})
	p := pipePeer(t, srv)

	p.next()
	p.send(protocol.NewIdentity("id", "token"))

	disconnect, ok := p.next().(*protocol.Disconnect)
	require.True(t, ok)
	assert.Equal(t, "authentication failed", disconnect.Reason)
}

func TestConnection_AuthenticatorPanicClosesWithoutDisconnect(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), Options{
		Authenticator: auth.AuthenticatorFunc(func(context.Context, []byte) (auth.Principal, error) {
			panic("boom")
		}),
	})
	p := pipePeer(t, srv)

	p.next()
	p.send(protocol.NewIdentity("id", "token"))

	assert.ErrorIs(t, p.nextErr(), io.EOF)
	p.waitClosed()
}

func TestConnection_AuthTimeout(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig()
	cfg.AuthTimeout = 30 * time.Millisecond
	srv, _ := newTestServer(t, cfg, Options{Observers: []Observer{rec}})
	p := pipePeer(t, srv)

	require.IsType(t, &protocol.ServerDetails{}, p.next())

	disconnect, ok := p.next().(*protocol.Disconnect)
	require.True(t, ok)
	assert.Equal(t, ReasonAuthTimeout, disconnect.Reason)
	assert.ErrorIs(t, p.nextErr(), io.EOF)
	assert.Equal(t, []string{ReasonAuthTimeout}, rec.rejections())
}

func TestConnection_SuccessAfterTimeoutIsIgnored(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	cfg := testConfig()
	cfg.AuthTimeout = 30 * time.Millisecond
	srv, _ := newTestServer(t, cfg, Options{
		Observers: []Observer{rec},
		Authenticator: auth.AuthenticatorFunc(func(ctx context.Context, frame []byte) (auth.Principal, error) {
			<-release
			return auth.Principal{ID: "late"}, nil
		}),
	})
	p := pipePeer(t, srv)

	p.next()
	p.send(protocol.NewIdentity("late", "token"))

	disconnect, ok := p.next().(*protocol.Disconnect)
	require.True(t, ok)
	assert.Equal(t, ReasonAuthTimeout, disconnect.Reason)

	close(release)
	assert.ErrorIs(t, p.nextErr(), io.EOF)
	p.waitClosed()

	_, authenticated, rejected, _ := rec.counts()
	assert.Zero(t, authenticated)
	assert.Equal(t, 1, rejected)
}

func TestConnection_ExpiryAfterSuccessIsIgnored(t *testing.T) {
	rec := newRecorder()
	srv, _ := newTestServer(t, testConfig(), Options{
		Observers:            []Observer{rec},
		AuthenticatedHandler: echo("echo:"),
	})
	p := pipePeer(t, srv)
	p.login("player-1")

	// a timer that fired just as authentication succeeded
	rec.lastOpened().TimerExpired()

	p.send(protocol.NewMessage("still here"))
	reply, ok := p.next().(*protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "echo:still here", reply.Value)
	assert.Empty(t, rec.rejections())
}

func TestConnection_SuccessRacingExpiry(t *testing.T) {
	for i := 0; i < 25; i++ {
		rec := newRecorder()
		cfg := testConfig()
		cfg.AuthTimeout = time.Millisecond
		srv, _ := newTestServer(t, cfg, Options{Observers: []Observer{rec}})
		p := pipePeer(t, srv)

		p.next()
		// the server may already have hung up
		_ = p.codec.WriteFrame(p.conn, protocol.NewIdentity("racer", "token"))

		var authenticated, disconnects int
		for {
			require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
			frame, err := p.reader.Next()
			if err != nil {
				break
			}
			obj, err := p.codec.Decode(frame)
			require.NoError(t, err)
			switch obj.(type) {
			case *protocol.Authenticated:
				authenticated++
				_ = p.conn.Close()
			case *protocol.Disconnect:
				disconnects++
			}
		}
		p.waitClosed()

		assert.Equal(t, 1, authenticated+disconnects, "iteration %d", i)
		assert.LessOrEqual(t, len(rec.rejections()), 1, "iteration %d", i)
	}
}

func TestConnection_OutOfOrderFrameIsNotFatal(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newTestServer(t, testConfig(), Options{
		Authenticator: auth.AuthenticatorFunc(func(ctx context.Context, frame []byte) (auth.Principal, error) {
			<-release
			return auth.Principal{ID: "slow"}, nil
		}),
	})
	p := pipePeer(t, srv)

	p.next()
	p.send(protocol.NewIdentity("slow", "token"))
	p.send(protocol.NewMessage("too early"))
	close(release)

	assert.IsType(t, &protocol.Authenticated{}, p.next())
}

func TestConnection_HandlersByRole(t *testing.T) {
	authenticated := MessageHandlerFunc(func(ctx context.Context, s Session, msg protocol.TransferObject) error {
		m := msg.(*protocol.Message)
		if m.Value == "ready" {
			s.Promote()
			return s.WriteMessage("ack")
		}
		return s.WriteMessage("auth:" + m.Value)
	})
	srv, _ := newTestServer(t, testConfig(), Options{
		AuthenticatedHandler: authenticated,
		AvailableHandler:     echo("avail:"),
	})
	p := pipePeer(t, srv)
	p.login("player-1")

	values := func() string {
		m, ok := p.next().(*protocol.Message)
		require.True(t, ok)
		return m.Value
	}

	p.send(protocol.NewMessage("x"))
	assert.Equal(t, "auth:x", values())
	p.send(protocol.NewMessage("ready"))
	assert.Equal(t, "ack", values())
	p.send(protocol.NewMessage("y"))
	assert.Equal(t, "avail:y", values())
}

func TestConnection_HandlerFailuresCloseTheConnection(t *testing.T) {
	tests := []struct {
		name    string
		handler MessageHandler
	}{
		{"error", MessageHandlerFunc(func(context.Context, Session, protocol.TransferObject) error {
			return errors.New("game state corrupted")
		})},
		{"panic", MessageHandlerFunc(func(context.Context, Session, protocol.TransferObject) error {
			panic("nil map")
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			srv, _ := newTestServer(t, testConfig(), Options{
				AuthenticatedHandler: tt.handler,
				Observers:            []Observer{rec},
			})
			p := pipePeer(t, srv)
			p.login("player-1")

			p.send(protocol.NewMessage("hi"))

			assert.ErrorIs(t, p.nextErr(), io.EOF)
			p.waitClosed()
			assert.Zero(t, srv.Registry().Len())
		})
	}
}

func TestConnection_UnknownTypeClosesTheConnection(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), Options{AuthenticatedHandler: echo("")})
	p := pipePeer(t, srv)
	p.login("player-1")

	p.sendRaw(`{"type":"Teleport","uuid":"u-1"}`)

	assert.ErrorIs(t, p.nextErr(), io.EOF)
	p.waitClosed()
}

func TestConnection_FrameTooLargeClosesTheConnection(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), Options{})
	p := pipePeer(t, srv)
	p.next()

	go func() {
		_, _ = p.conn.Write([]byte(strings.Repeat("x", protocol.DefaultMaxFrameSize+100)))
	}()

	assert.ErrorIs(t, p.nextErr(), io.EOF)
	p.waitClosed()
}

func TestConnection_RateLimitDropsExcessFrames(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	srv, _ := newTestServer(t, cfg, Options{AuthenticatedHandler: echo("")})
	p := pipePeer(t, srv)
	p.login("player-1")

	p.send(protocol.NewMessage("one"))
	p.send(protocol.NewMessage("two"))
	p.send(protocol.NewMessage("three"))

	m, ok := p.next().(*protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "one", m.Value)

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := p.reader.Next()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "dropped frames are not answered")
}

func TestConnection_Shutdown(t *testing.T) {
	rec := newRecorder()
	srv, _ := newTestServer(t, testConfig(), Options{Observers: []Observer{rec}})
	p := pipePeer(t, srv)
	p.login("player-1")

	rec.lastOpened().Shutdown("kicked by admin")

	disconnect, ok := p.next().(*protocol.Disconnect)
	require.True(t, ok)
	assert.Equal(t, "kicked by admin", disconnect.Reason)
	assert.ErrorIs(t, p.nextErr(), io.EOF)
	p.waitClosed()
}
