package command

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamelink/internal/auth"
	"gamelink/internal/client"
	"gamelink/internal/config"
	"gamelink/internal/logging"
	"gamelink/internal/protocol"
	"gamelink/internal/relay"
	"gamelink/internal/server"
	"gamelink/internal/tlsutil"
)

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		name string
		obj  protocol.TransferObject
		want string
	}{
		{"message", protocol.NewMessage("ace: gg"), "ace: gg"},
		{"notification", protocol.NewNotification("move", json.RawMessage(`{"x":1}`)), `[move] {"x":1}`},
		{"empty notification", protocol.NewNotification("tick", nil), "[tick]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatFrame(tt.obj))
		})
	}

	d := protocol.NewDisconnect("bye")
	assert.Equal(t, "<"+string(d.MessageType())+" "+d.UUID+">", formatFrame(d))
}

func startServer(t *testing.T, authenticator auth.Authenticator) (*tlsutil.Pair, int) {
	t.Helper()
	pair, err := tlsutil.SelfSigned("localhost", "127.0.0.1")
	require.NoError(t, err)

	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	logger := logging.Discard()
	registry := server.NewRegistry(logger)
	lobby := relay.New(registry, logger)
	srv, err := server.New(cfg, pair.ServerConfig(), server.Options{
		Authenticator:        authenticator,
		AuthenticatedHandler: lobby.Authenticated(),
		AvailableHandler:     lobby.Available(),
		Observers:            []server.Observer{lobby},
		Registry:             registry,
		Logger:               logger,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		lobby.Close()
	})
	return pair, srv.Addr().(*net.TCPAddr).Port
}

func newClient(pair *tlsutil.Pair, port int) *client.Client {
	cfg := config.DefaultClientConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	return client.New(cfg, pair.ClientConfig("localhost"), client.WithLogger(logging.Discard()))
}

func TestSession_LoginAndQuit(t *testing.T) {
	pair, port := startServer(t, auth.AcceptAll())
	playerID, token, authWait = "ace", "secret", 2*time.Second
	c := newClient(pair, port)

	var out bytes.Buffer
	err := session(context.Background(), c, logging.Discard(), strings.NewReader("/quit\n"), &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "connected to gamelink")
	assert.Contains(t, out.String(), "logged in")
	assert.Equal(t, client.StateOffline, c.State())
}

func TestSession_LoginRefused(t *testing.T) {
	pair, port := startServer(t, auth.RejectAll("denied"))
	playerID, token, authWait = "ace", "secret", 2*time.Second
	c := newClient(pair, port)

	var out bytes.Buffer
	err := session(context.Background(), c, logging.Discard(), strings.NewReader(""), &out)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "login refused: denied")
	assert.NotContains(t, out.String(), "logged in")
}
