// Package config provides configuration types and loading for wagateway.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Gateway, Webhook, Sessions, Credentials, Timeline, Kafka, Log.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Webhook     WebhookConfig     `json:"webhook"`
	Sessions    SessionsConfig    `json:"sessions"`
	Credentials CredentialsConfig `json:"credentials"`
	Timeline    TimelineConfig    `json:"timeline"`
	Kafka       KafkaConfig       `json:"kafka"`
	Log         LogConfig         `json:"log"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP control surface
// ---------------------------------------------------------------------------

// GatewayConfig contains the HTTP control surface settings.
type GatewayConfig struct {
	Host         string `json:"host" envconfig:"HOST"`
	Port         int    `json:"port" envconfig:"PORT"`
	SharedSecret string `json:"sharedSecret" envconfig:"SECRET"`
	SecretHeader string `json:"secretHeader" envconfig:"SECRET_HEADER"`
	AllowOrigin  string `json:"allowOrigin" envconfig:"ALLOW_ORIGIN"`
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ---------------------------------------------------------------------------
// Webhook – external AI pipeline
// ---------------------------------------------------------------------------

// WebhookConfig configures the AI webhook the relay forwards chat traffic to.
type WebhookConfig struct {
	URL      string        `json:"url" envconfig:"URL"`
	Token    string        `json:"token" envconfig:"TOKEN"`
	Timeout  time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	Attempts int           `json:"attempts" envconfig:"ATTEMPTS"`
}

// ---------------------------------------------------------------------------
// Sessions – connection manager behaviour
// ---------------------------------------------------------------------------

// SessionsConfig controls the per-assistant session lifecycle.
type SessionsConfig struct {
	WorkDir                 string        `json:"workDir" envconfig:"WORK_DIR"`
	ReconnectDelay          time.Duration `json:"reconnectDelay" envconfig:"RECONNECT_DELAY"`
	ResetDelay              time.Duration `json:"resetDelay" envconfig:"RESET_DELAY"`
	CredentialFlushInterval time.Duration `json:"credentialFlushInterval" envconfig:"CREDENTIAL_FLUSH_INTERVAL"`
	RelayGroups             bool          `json:"relayGroups" envconfig:"RELAY_GROUPS"`
	AutoStart               bool          `json:"autoStart" envconfig:"AUTO_START"`
	DeviceName              string        `json:"deviceName" envconfig:"DEVICE_NAME"`
}

// ---------------------------------------------------------------------------
// Credentials – durable auth material
// ---------------------------------------------------------------------------

// Credential backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// CredentialsConfig selects and configures the durable credential backend.
type CredentialsConfig struct {
	Backend string `json:"backend" envconfig:"BACKEND"`
	DSN     string `json:"dsn" envconfig:"DSN"`
	// EncryptionKey is a base64 AES-256 key. Empty means resolve via keyring / key file.
	EncryptionKey string `json:"encryptionKey,omitempty" envconfig:"ENCRYPTION_KEY"`
	Encrypt       bool   `json:"encrypt" envconfig:"ENCRYPT"`
}

// ---------------------------------------------------------------------------
// Timeline – session event history
// ---------------------------------------------------------------------------

// TimelineConfig configures the sqlite session event history.
type TimelineConfig struct {
	Enabled   bool          `json:"enabled" envconfig:"ENABLED"`
	Path      string        `json:"path" envconfig:"DB"`
	Retention time.Duration `json:"retention" envconfig:"RETENTION"`
}

// ---------------------------------------------------------------------------
// Kafka – optional lifecycle stream
// ---------------------------------------------------------------------------

// KafkaConfig configures the optional session event stream.
type KafkaConfig struct {
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// Enabled reports whether a broker list is configured.
func (k KafkaConfig) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != ""
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"` // "text" or "json"

	// LibraryLevel filters whatsmeow's own logging independently of Level.
	LibraryLevel string `json:"libraryLevel" envconfig:"LIBRARY_LEVEL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         3001,
			SecretHeader: "X-Gateway-Secret",
			AllowOrigin:  "*",
		},
		Webhook: WebhookConfig{
			Timeout:  60 * time.Second,
			Attempts: 2,
		},
		Sessions: SessionsConfig{
			WorkDir:                 "~/.wagateway/sessions",
			ReconnectDelay:          5 * time.Second,
			ResetDelay:              2 * time.Second,
			CredentialFlushInterval: 30 * time.Second,
			AutoStart:               true,
			DeviceName:              "Assistant Gateway",
		},
		Credentials: CredentialsConfig{
			Backend: BackendSQLite,
			DSN:     "~/.wagateway/credentials.db",
		},
		Timeline: TimelineConfig{
			Enabled:   true,
			Path:      "~/.wagateway/timeline.db",
			Retention: 7 * 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "wagateway.sessions",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "text",
			LibraryLevel: "warn",
		},
	}
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if strings.TrimSpace(c.Gateway.SecretHeader) == "" {
		return fmt.Errorf("gateway.secretHeader is required")
	}
	if raw := strings.TrimSpace(c.Webhook.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.url must be an absolute http(s) URL: %q", raw)
		}
	}
	switch c.Credentials.Backend {
	case BackendSQLite, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("credentials.backend must be one of sqlite, postgres, memory: %q", c.Credentials.Backend)
	}
	if c.Credentials.Backend != BackendMemory && strings.TrimSpace(c.Credentials.DSN) == "" {
		return fmt.Errorf("credentials.dsn is required for backend %s", c.Credentials.Backend)
	}
	if c.Sessions.ReconnectDelay <= 0 {
		return fmt.Errorf("sessions.reconnectDelay must be positive")
	}
	if strings.TrimSpace(c.Sessions.WorkDir) == "" {
		return fmt.Errorf("sessions.workDir is required")
	}
	return nil
}
