package config

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Hostname != "localhost" {
		t.Errorf("expected hostname 'localhost', got %q", cfg.Hostname)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level 'info', got %q", cfg.LogLevel)
	}

	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(cfg.Listeners))
	}

	if cfg.Listeners[0].Address != ":25" {
		t.Errorf("expected listener address ':25', got %q", cfg.Listeners[0].Address)
	}

	if cfg.Listeners[0].Mode != ModeSmtp {
		t.Errorf("expected listener mode 'smtp', got %q", cfg.Listeners[0].Mode)
	}

	if !cfg.Listeners[0].STARTTLS {
		t.Errorf("expected default listener to advertise STARTTLS")
	}

	if cfg.TLS.MinVersion != "1.2" {
		t.Errorf("expected TLS min_version '1.2', got %q", cfg.TLS.MinVersion)
	}

	if cfg.Limits.MaxConnections != 100 {
		t.Errorf("expected max_connections 100, got %d", cfg.Limits.MaxConnections)
	}

	if cfg.Limits.MaxMail != 100 {
		t.Errorf("expected max_mail 100, got %d", cfg.Limits.MaxMail)
	}

	if cfg.Limits.MaxRecipients != 1000 {
		t.Errorf("expected max_recipients 1000, got %d", cfg.Limits.MaxRecipients)
	}

	if cfg.Limits.LineMax != 1024 {
		t.Errorf("expected line_max 1024, got %d", cfg.Limits.LineMax)
	}

	if cfg.Limits.KickThreshold != 50 {
		t.Errorf("expected kick_threshold 50, got %d", cfg.Limits.KickThreshold)
	}

	if cfg.Timeouts.Connection != "10m" {
		t.Errorf("expected connection timeout '10m', got %q", cfg.Timeouts.Connection)
	}

	if cfg.Timeouts.Idle != "5m" {
		t.Errorf("expected idle timeout '5m', got %q", cfg.Timeouts.Idle)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty hostname",
			modify:  func(c *Config) { c.Hostname = "" },
			wantErr: true,
		},
		{
			name:    "no listeners",
			modify:  func(c *Config) { c.Listeners = nil },
			wantErr: true,
		},
		{
			name: "listener with empty address",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: "", Mode: ModeSmtp}}
			},
			wantErr: true,
		},
		{
			name: "listener with invalid mode",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: ":25", Mode: "invalid"}}
			},
			wantErr: true,
		},
		{
			name:    "zero max_connections",
			modify:  func(c *Config) { c.Limits.MaxConnections = 0 },
			wantErr: true,
		},
		{
			name:    "negative max_connections",
			modify:  func(c *Config) { c.Limits.MaxConnections = -1 },
			wantErr: true,
		},
		{
			name:    "zero max_mail",
			modify:  func(c *Config) { c.Limits.MaxMail = 0 },
			wantErr: true,
		},
		{
			name:    "zero max_recipients",
			modify:  func(c *Config) { c.Limits.MaxRecipients = 0 },
			wantErr: true,
		},
		{
			name:    "zero line_max",
			modify:  func(c *Config) { c.Limits.LineMax = 0 },
			wantErr: true,
		},
		{
			name:    "zero kick_threshold",
			modify:  func(c *Config) { c.Limits.KickThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "invalid connection timeout",
			modify:  func(c *Config) { c.Timeouts.Connection = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid idle timeout",
			modify:  func(c *Config) { c.Timeouts.Idle = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid session timeout",
			modify:  func(c *Config) { c.Limits.SessionTimeout = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid TLS min_version",
			modify:  func(c *Config) { c.TLS.MinVersion = "1.4" },
			wantErr: true,
		},
		{
			name: "valid smtp mode",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: ":25", Mode: ModeSmtp}}
			},
			wantErr: false,
		},
		{
			name: "valid smtps mode",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: ":465", Mode: ModeSmtps}}
			},
			wantErr: false,
		},
		{
			name: "metrics enabled without address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinTLSVersion(t *testing.T) {
	tests := []struct {
		version  string
		expected uint16
	}{
		{"1.0", tls.VersionTLS10},
		{"1.1", tls.VersionTLS11},
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},        // default
		{"invalid", tls.VersionTLS12}, // invalid falls back to default
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			cfg := TLSConfig{MinVersion: tt.version}
			if got := cfg.MinTLSVersion(); got != tt.expected {
				t.Errorf("MinTLSVersion() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConnectionTimeout(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"10m", 10 * time.Minute},
		{"1h", 1 * time.Hour},
		{"30s", 30 * time.Second},
		{"", 10 * time.Minute},        // default
		{"invalid", 10 * time.Minute}, // invalid falls back to default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := TimeoutsConfig{Connection: tt.value}
			if got := cfg.ConnectionTimeout(); got != tt.expected {
				t.Errorf("ConnectionTimeout() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIdleTimeout(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"30s", 30 * time.Second},
		{"2m", 2 * time.Minute},
		{"", 5 * time.Minute},        // default
		{"invalid", 5 * time.Minute}, // invalid falls back to default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := TimeoutsConfig{Idle: tt.value}
			if got := cfg.IdleTimeout(); got != tt.expected {
				t.Errorf("IdleTimeout() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionTimeoutDuration(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"90s", 90 * time.Second},
		{"", 5 * time.Minute},
		{"invalid", 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := LimitsConfig{SessionTimeout: tt.value}
			if got := cfg.SessionTimeoutDuration(); got != tt.expected {
				t.Errorf("SessionTimeoutDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAuthConfigIsConfigured(t *testing.T) {
	if (AuthConfig{}).IsConfigured() {
		t.Errorf("empty AuthConfig should not be configured")
	}
	if !(AuthConfig{Type: "passwd"}).IsConfigured() {
		t.Errorf("AuthConfig with Type set should be configured")
	}
}

func TestDeliveryConfigIsConfigured(t *testing.T) {
	if (DeliveryConfig{}).IsConfigured() {
		t.Errorf("empty DeliveryConfig should not be configured")
	}
	if !(DeliveryConfig{Type: "maildir"}).IsConfigured() {
		t.Errorf("DeliveryConfig with Type set should be configured")
	}
}
