package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type serverFile struct {
	Host              string  `toml:"host"`
	Port              int     `toml:"port"`
	Name              string  `toml:"name"`
	ProtocolVersion   string  `toml:"protocol_version"`
	BuildNumber       int     `toml:"build_number"`
	AuthTimerPoolSize int     `toml:"auth_timer_pool_size"`
	AuthTimeoutMS     int64   `toml:"auth_timeout_ms"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	MaxFrameSize      int     `toml:"max_frame_size"`
	RateLimit         float64 `toml:"rate_limit"`
	RateBurst         int     `toml:"rate_burst"`
	TLSCertPath       string  `toml:"tls_cert_path"`
	TLSKeyPath        string  `toml:"tls_key_path"`
	AuthMode          string  `toml:"auth_mode"`
	StaticUsers       string  `toml:"static_users"`
	RedisURL          string  `toml:"redis_url"`
	AuditURL          string  `toml:"audit_database_url"`
	AdminPort         int     `toml:"admin_port"`
	LogLevel          string  `toml:"log_level"`
	LogFormat         string  `toml:"log_format"`
}

type clientFile struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	ProtocolVersion    string `toml:"protocol_version"`
	BuildNumber        int    `toml:"build_number"`
	DialTimeout        string `toml:"dial_timeout"`
	MaxFrameSize       int    `toml:"max_frame_size"`
	InboundQueue       int    `toml:"inbound_queue"`
	TLSCAPath          string `toml:"tls_ca_path"`
	TLSServerName      string `toml:"tls_server_name"`
	InsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
	LogLevel           string `toml:"log_level"`
	LogFormat          string `toml:"log_format"`
}

// Secrets (JWT_SECRET, ADMIN_JWT_SECRET, DATABASE_URL) are only read from the environment.
func applyServerFile(cfg *ServerConfig, path string) error {
	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("protocol_version") {
		cfg.ProtocolVersion = strings.TrimSpace(raw.ProtocolVersion)
	}
	if meta.IsDefined("build_number") {
		cfg.BuildNumber = raw.BuildNumber
	}
	if meta.IsDefined("auth_timer_pool_size") {
		cfg.AuthTimerPoolSize = raw.AuthTimerPoolSize
	}
	if meta.IsDefined("auth_timeout_ms") {
		cfg.AuthTimeout = time.Duration(raw.AuthTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("tls_cert_path") {
		cfg.TLSCertPath = strings.TrimSpace(raw.TLSCertPath)
	}
	if meta.IsDefined("tls_key_path") {
		cfg.TLSKeyPath = strings.TrimSpace(raw.TLSKeyPath)
	}
	if meta.IsDefined("auth_mode") {
		cfg.AuthMode = strings.TrimSpace(raw.AuthMode)
	}
	if meta.IsDefined("static_users") {
		cfg.StaticUsers = strings.TrimSpace(raw.StaticUsers)
	}
	if meta.IsDefined("redis_url") {
		cfg.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("audit_database_url") {
		cfg.AuditURL = strings.TrimSpace(raw.AuditURL)
	}
	if meta.IsDefined("admin_port") {
		cfg.AdminPort = raw.AdminPort
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

func applyClientFile(cfg *ClientConfig, path string) error {
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("protocol_version") {
		cfg.ProtocolVersion = strings.TrimSpace(raw.ProtocolVersion)
	}
	if meta.IsDefined("build_number") {
		cfg.BuildNumber = raw.BuildNumber
	}
	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("inbound_queue") {
		cfg.InboundQueue = raw.InboundQueue
	}
	if meta.IsDefined("tls_ca_path") {
		cfg.TLSCAPath = strings.TrimSpace(raw.TLSCAPath)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.TLSServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}
