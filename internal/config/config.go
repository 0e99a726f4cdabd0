// Package config provides configuration management for the SMTP server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP (port 25/587) with optional STARTTLS.
	ModeSmtp ListenerMode = "smtp"
	// ModeSmtps is implicit TLS (port 465).
	ModeSmtps ListenerMode = "smtps"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows smtpd, pop3d, and msgstore to share a single config file.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Smtpd  Config       `toml:"smtpd"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname    string    `toml:"hostname"`
	DomainsPath string    `toml:"domains_path"`
	TLS         TLSConfig `toml:"tls"`
}

// Config holds the SMTP-specific server configuration.
type Config struct {
	Hostname        string           `toml:"hostname"`
	LogLevel        string           `toml:"log_level"`
	Listeners       []ListenerConfig `toml:"listeners"`
	TLS             TLSConfig        `toml:"tls"`
	Timeouts        TimeoutsConfig   `toml:"timeouts"`
	Limits          LimitsConfig     `toml:"limits"`
	Metrics         MetricsConfig    `toml:"metrics"`
	Auth            AuthConfig       `toml:"auth"`
	Delivery        DeliveryConfig   `toml:"msgstore"`
	DomainsPath     string           `toml:"domains_path"`
	DomainsDataPath string           `toml:"domains_data_path"`
}

// ListenerConfig defines settings for a single listener, including the
// STARTTLS/AUTH advertisement flags tied to listener_ref in the session data
// model.
type ListenerConfig struct {
	Address         string       `toml:"address"`
	Mode            ListenerMode `toml:"mode"`
	STARTTLS        bool         `toml:"starttls"`
	STARTTLSRequire bool         `toml:"starttls_require"`
	AUTH            bool         `toml:"auth"`
	AUTHRequire     bool         `toml:"auth_require"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Idle       string `toml:"idle"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int   `toml:"max_connections"`
	MaxMail        int   `toml:"max_mail"`        // SMTP_MAXMAIL
	MaxRecipients  int   `toml:"max_recipients"`  // SMTP_MAXRCPT
	MaxMessageSize int64 `toml:"max_message_size"`
	LineMax        int   `toml:"line_max"`        // SMTP_LINE_MAX
	KickThreshold  int   `toml:"kick_threshold"`  // SMTP_KICKTHRESHOLD
	SessionTimeout string `toml:"session_timeout"` // SMTPD_SESSION_TIMEOUT
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// AuthConfig configures the authentication backend used by the SASL PLAIN
// and LOGIN mechanisms (wraps github.com/infodancer/auth).
type AuthConfig struct {
	Type              string            `toml:"type"`
	CredentialBackend string            `toml:"credential_backend"`
	KeyBackend        string            `toml:"key_backend"`
	Options           map[string]string `toml:"options"`
}

// IsConfigured reports whether authentication has been set up.
func (a AuthConfig) IsConfigured() bool {
	return a.Type != ""
}

// DeliveryConfig configures the default Queue collaborator's backing
// message store (wraps github.com/infodancer/msgstore), mirroring the
// [msgstore] TOML block used by the sibling smtpd project.
type DeliveryConfig struct {
	Type     string            `toml:"type"`
	BasePath string            `toml:"base_path"`
	Options  map[string]string `toml:"options"`
}

// IsConfigured reports whether a delivery backend has been set up.
func (d DeliveryConfig) IsConfigured() bool {
	return d.Type != ""
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp, STARTTLS: true, AUTH: true},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "1m",
			Idle:       "5m",
		},
		Limits: LimitsConfig{
			MaxConnections: 100,
			MaxMail:        100,
			MaxRecipients:  1000,
			MaxMessageSize: 36 * 1024 * 1024,
			LineMax:        1024,
			KickThreshold:  50,
			SessionTimeout: "5m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Limits.MaxMail <= 0 {
		return errors.New("max_mail must be positive")
	}
	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}
	if c.Limits.LineMax <= 0 {
		return errors.New("line_max must be positive")
	}
	if c.Limits.KickThreshold <= 0 {
		return errors.New("kick_threshold must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}
	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}
	if c.Timeouts.Idle != "" {
		if _, err := time.ParseDuration(c.Timeouts.Idle); err != nil {
			return fmt.Errorf("invalid idle timeout: %w", err)
		}
	}
	if c.Limits.SessionTimeout != "" {
		if _, err := time.ParseDuration(c.Limits.SessionTimeout); err != nil {
			return fmt.Errorf("invalid session timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Connection, 10*time.Minute)
}

// CommandTimeout returns the command timeout as a time.Duration.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDurationOr(c.Command, 1*time.Minute)
}

// IdleTimeout returns the idle timeout as a time.Duration.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseDurationOr(c.Idle, 5*time.Minute)
}

// SessionTimeoutDuration returns SMTPD_SESSION_TIMEOUT as a time.Duration.
func (l *LimitsConfig) SessionTimeoutDuration() time.Duration {
	return parseDurationOr(l.SessionTimeout, 5*time.Minute)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSmtps:
		return true
	default:
		return false
	}
}
