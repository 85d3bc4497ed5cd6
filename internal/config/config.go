package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Auth modes understood by the server binary.
const (
	AuthModeAccept   = "accept"
	AuthModeReject   = "reject"
	AuthModeStatic   = "static"
	AuthModeJWT      = "jwt"
	AuthModeDatabase = "database"
)

type ServerConfig struct {
	// Listener
	Host string `env:"GAMELINK_HOST" default:"0.0.0.0"`
	Port int    `env:"GAMELINK_PORT" default:"8081"`

	// Server details sent in the handshake
	Name            string `env:"GAMELINK_NAME" default:"gamelink"`
	ProtocolVersion string `env:"GAMELINK_PROTOCOL_VERSION" default:"1.0"`
	BuildNumber     int    `env:"GAMELINK_BUILD_NUMBER" default:"1"`

	// Authentication window
	AuthTimerPoolSize int           `env:"GAMELINK_AUTH_TIMER_POOL_SIZE" default:"4"`
	AuthTimeout       time.Duration `env:"GAMELINK_AUTH_TIMEOUT_MS" default:"5000"`
	HandshakeTimeout  time.Duration `env:"GAMELINK_HANDSHAKE_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `env:"GAMELINK_WRITE_TIMEOUT" default:"5s"`

	// Framing and flow control
	MaxFrameSize int     `env:"GAMELINK_MAX_FRAME_SIZE" default:"8192"`
	RateLimit    float64 `env:"GAMELINK_RATE_LIMIT" default:"20"`
	RateBurst    int     `env:"GAMELINK_RATE_BURST" default:"40"`

	// TLS
	TLSCertPath string `env:"TLS_CERT_PATH"`
	TLSKeyPath  string `env:"TLS_KEY_PATH"`

	// Authentication policy
	AuthMode    string `env:"GAMELINK_AUTH_MODE" default:"accept"`
	JWTSecret   string `env:"JWT_SECRET"`
	StaticUsers string `env:"GAMELINK_STATIC_USERS"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Optional collaborators
	RedisURL  string `env:"REDIS_URL"`
	AuditURL  string `env:"AUDIT_DATABASE_URL"`
	AdminPort int    `env:"ADMIN_PORT" default:"8090"`
	// AdminJWTSecret signs operator tokens for the admin API. It must not
	// be the player JWT_SECRET.
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

type ClientConfig struct {
	Host            string `env:"GAMELINK_HOST" default:"localhost"`
	Port            int    `env:"GAMELINK_PORT" default:"8081"`
	ProtocolVersion string `env:"GAMELINK_PROTOCOL_VERSION" default:"1.0"`
	BuildNumber     int    `env:"GAMELINK_BUILD_NUMBER" default:"1"`

	DialTimeout  time.Duration `env:"GAMELINK_DIAL_TIMEOUT" default:"10s"`
	MaxFrameSize int           `env:"GAMELINK_MAX_FRAME_SIZE" default:"8192"`
	InboundQueue int           `env:"GAMELINK_INBOUND_QUEUE" default:"256"`

	TLSCAPath          string `env:"TLS_CA_PATH"`
	TLSServerName      string `env:"TLS_SERVER_NAME"`
	InsecureSkipVerify bool   `env:"TLS_INSECURE_SKIP_VERIFY" default:"false"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// DefaultServerConfig returns the defaults LoadServerConfig falls back to.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8081,
		Name:              "gamelink",
		ProtocolVersion:   "1.0",
		BuildNumber:       1,
		AuthTimerPoolSize: 4,
		AuthTimeout:       5000 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxFrameSize:      8192,
		RateLimit:         20,
		RateBurst:         40,
		AuthMode:          AuthModeAccept,
		AdminPort:         8090,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:            "localhost",
		Port:            8081,
		ProtocolVersion: "1.0",
		BuildNumber:     1,
		DialTimeout:     10 * time.Second,
		MaxFrameSize:    8192,
		InboundQueue:    256,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// loadDotEnv loads .env from the working directory if present. A missing
// file is fine: system environment variables still apply.
func loadDotEnv() {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		slog.Warn("dotenv_load_failed", "error", err.Error())
	}
}

// LoadServerConfig loads configuration from .env, the environment, and the
// optional TOML file named by GAMELINK_CONFIG. File values override defaults,
// environment variables override both.
func LoadServerConfig() (*ServerConfig, error) {
	loadDotEnv()

	cfg := DefaultServerConfig()
	if path := os.Getenv("GAMELINK_CONFIG"); path != "" {
		if err := applyServerFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	// Listener
	if err := loadEnvString(&cfg.Host, "GAMELINK_HOST", cfg.Host); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.Port, "GAMELINK_PORT", cfg.Port); err != nil {
		return nil, err
	}

	// Server details
	if err := loadEnvString(&cfg.Name, "GAMELINK_NAME", cfg.Name); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.ProtocolVersion, "GAMELINK_PROTOCOL_VERSION", cfg.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.BuildNumber, "GAMELINK_BUILD_NUMBER", cfg.BuildNumber); err != nil {
		return nil, err
	}

	// Authentication window
	if err := loadEnvInt(&cfg.AuthTimerPoolSize, "GAMELINK_AUTH_TIMER_POOL_SIZE", cfg.AuthTimerPoolSize); err != nil {
		return nil, err
	}
	if err := loadEnvMillis(&cfg.AuthTimeout, "GAMELINK_AUTH_TIMEOUT_MS", cfg.AuthTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.HandshakeTimeout, "GAMELINK_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.WriteTimeout, "GAMELINK_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return nil, err
	}

	// Framing and flow control
	if err := loadEnvInt(&cfg.MaxFrameSize, "GAMELINK_MAX_FRAME_SIZE", cfg.MaxFrameSize); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&cfg.RateLimit, "GAMELINK_RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.RateBurst, "GAMELINK_RATE_BURST", cfg.RateBurst); err != nil {
		return nil, err
	}

	// TLS
	if err := loadEnvString(&cfg.TLSCertPath, "TLS_CERT_PATH", cfg.TLSCertPath); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.TLSKeyPath, "TLS_KEY_PATH", cfg.TLSKeyPath); err != nil {
		return nil, err
	}

	// Authentication policy
	if err := loadEnvString(&cfg.AuthMode, "GAMELINK_AUTH_MODE", cfg.AuthMode); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.JWTSecret, "JWT_SECRET", cfg.JWTSecret); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.StaticUsers, "GAMELINK_STATIC_USERS", cfg.StaticUsers); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.DatabaseURL, "DATABASE_URL", cfg.DatabaseURL); err != nil {
		return nil, err
	}

	// Optional collaborators
	if err := loadEnvString(&cfg.RedisURL, "REDIS_URL", cfg.RedisURL); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.AuditURL, "AUDIT_DATABASE_URL", cfg.AuditURL); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.AdminPort, "ADMIN_PORT", cfg.AdminPort); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.AdminJWTSecret, "ADMIN_JWT_SECRET", cfg.AdminJWTSecret); err != nil {
		return nil, err
	}

	// Logging
	if err := loadEnvString(&cfg.LogLevel, "LOG_LEVEL", cfg.LogLevel); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.LogFormat, "LOG_FORMAT", cfg.LogFormat); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadClientConfig loads client configuration the same way as LoadServerConfig.
func LoadClientConfig() (*ClientConfig, error) {
	loadDotEnv()

	cfg := DefaultClientConfig()
	if path := os.Getenv("GAMELINK_CONFIG"); path != "" {
		if err := applyClientFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := loadEnvString(&cfg.Host, "GAMELINK_HOST", cfg.Host); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.Port, "GAMELINK_PORT", cfg.Port); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.ProtocolVersion, "GAMELINK_PROTOCOL_VERSION", cfg.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.BuildNumber, "GAMELINK_BUILD_NUMBER", cfg.BuildNumber); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.DialTimeout, "GAMELINK_DIAL_TIMEOUT", cfg.DialTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.MaxFrameSize, "GAMELINK_MAX_FRAME_SIZE", cfg.MaxFrameSize); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.InboundQueue, "GAMELINK_INBOUND_QUEUE", cfg.InboundQueue); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.TLSCAPath, "TLS_CA_PATH", cfg.TLSCAPath); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.TLSServerName, "TLS_SERVER_NAME", cfg.TLSServerName); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&cfg.InsecureSkipVerify, "TLS_INSECURE_SKIP_VERIFY", cfg.InsecureSkipVerify); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.LogLevel, "LOG_LEVEL", cfg.LogLevel); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.LogFormat, "LOG_FORMAT", cfg.LogFormat); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// loadEnvMillis reads a plain integer number of milliseconds.
func loadEnvMillis(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid millisecond value for %s: %v", key, err)
		}
		*target = time.Duration(parsed) * time.Millisecond
	} else {
		*target = defaultValue
	}
	return nil
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate performs validation on the loaded configuration
func (c *ServerConfig) Validate() error {
	var errors []string

	// port 0 asks the kernel for a free port
	if c.Port < 0 || c.Port > 65535 {
		errors = append(errors, "GAMELINK_PORT must be between 0 and 65535")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errors = append(errors, "ADMIN_PORT must be between 0 and 65535")
	}
	if c.AdminJWTSecret != "" {
		if len(c.AdminJWTSecret) < 32 {
			errors = append(errors, "ADMIN_JWT_SECRET should be at least 32 characters long")
		}
		if c.AdminJWTSecret == c.JWTSecret {
			errors = append(errors, "ADMIN_JWT_SECRET must differ from JWT_SECRET")
		}
	}
	if strings.TrimSpace(c.Name) == "" {
		errors = append(errors, "GAMELINK_NAME must not be empty")
	}
	if c.AuthTimerPoolSize < 1 {
		errors = append(errors, "GAMELINK_AUTH_TIMER_POOL_SIZE must be at least 1")
	}
	if c.AuthTimeout <= 0 {
		errors = append(errors, "GAMELINK_AUTH_TIMEOUT_MS must be positive")
	}
	if c.MaxFrameSize < 64 {
		errors = append(errors, "GAMELINK_MAX_FRAME_SIZE must be at least 64")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errors = append(errors, "GAMELINK_RATE_LIMIT and GAMELINK_RATE_BURST must not be negative")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		errors = append(errors, "TLS_CERT_PATH and TLS_KEY_PATH must be set together")
	}

	validAuthModes := []string{AuthModeAccept, AuthModeReject, AuthModeStatic, AuthModeJWT, AuthModeDatabase}
	if !contains(validAuthModes, c.AuthMode) {
		errors = append(errors, fmt.Sprintf("GAMELINK_AUTH_MODE must be one of: %s", strings.Join(validAuthModes, ", ")))
	}
	switch c.AuthMode {
	case AuthModeJWT:
		// Validate JWT secret length (should be at least 32 characters for security)
		if len(c.JWTSecret) < 32 {
			errors = append(errors, "JWT_SECRET should be at least 32 characters long")
		}
	case AuthModeStatic:
		if strings.TrimSpace(c.StaticUsers) == "" {
			errors = append(errors, "GAMELINK_STATIC_USERS is required for static auth")
		}
	case AuthModeDatabase:
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required for database auth")
		}
	}

	errors = append(errors, validateLogging(c.LogLevel, c.LogFormat)...)

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	var errors []string

	if strings.TrimSpace(c.Host) == "" {
		errors = append(errors, "GAMELINK_HOST must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		errors = append(errors, "GAMELINK_PORT must be between 1 and 65535")
	}
	if c.InboundQueue < 1 {
		errors = append(errors, "GAMELINK_INBOUND_QUEUE must be at least 1")
	}
	errors = append(errors, validateLogging(c.LogLevel, c.LogFormat)...)

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

func validateLogging(level, format string) []string {
	var errors []string
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, level) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, format) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}
	return errors
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
