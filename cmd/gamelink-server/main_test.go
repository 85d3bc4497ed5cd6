package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamelink/internal/auth"
	"gamelink/internal/config"
	"gamelink/internal/logging"
)

func TestBuildAuthenticator(t *testing.T) {
	hash, err := auth.HashToken("hunter2", 4)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*config.ServerConfig)
		want    any
		wantErr bool
	}{
		{"accept", func(c *config.ServerConfig) { c.AuthMode = config.AuthModeAccept }, nil, false},
		{"reject", func(c *config.ServerConfig) { c.AuthMode = config.AuthModeReject }, nil, false},
		{"static", func(c *config.ServerConfig) {
			c.AuthMode = config.AuthModeStatic
			c.StaticUsers = "ace:" + hash
		}, &auth.StaticAuthenticator{}, false},
		{"static bad entry", func(c *config.ServerConfig) {
			c.AuthMode = config.AuthModeStatic
			c.StaticUsers = "ace"
		}, nil, true},
		{"jwt", func(c *config.ServerConfig) {
			c.AuthMode = config.AuthModeJWT
			c.JWTSecret = "s3cret"
		}, &auth.JWTAuthenticator{}, false},
		{"unknown", func(c *config.ServerConfig) { c.AuthMode = "ldap" }, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultServerConfig()
			tt.mutate(&cfg)

			a, closeAuth, err := buildAuthenticator(context.Background(), cfg, logging.Discard())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, a)
			closeAuth()
			if tt.want != nil {
				assert.IsType(t, tt.want, a)
			}
		})
	}
}

func TestBuildTLS_SelfSigned(t *testing.T) {
	cfg := config.DefaultServerConfig()

	tlsConfig, err := buildTLS(cfg, logging.Discard())

	require.NoError(t, err)
	assert.Len(t, tlsConfig.Certificates, 1)
}
