package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	// Should return defaults
	expected := Default()
	if cfg.Hostname != expected.Hostname {
		t.Errorf("expected hostname %q, got %q", expected.Hostname, cfg.Hostname)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[smtpd]
hostname = "mail.example.com"
log_level = "debug"

[smtpd.tls]
cert_file = "/etc/ssl/cert.pem"
key_file = "/etc/ssl/key.pem"
min_version = "1.3"

[smtpd.limits]
max_connections = 50
max_mail = 10
max_recipients = 20

[smtpd.timeouts]
connection = "15m"
command = "2m"
idle = "45m"

[[smtpd.listeners]]
address = ":25"
mode = "smtp"
starttls = true
auth = true

[[smtpd.listeners]]
address = ":465"
mode = "smtps"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q, want 'mail.example.com'", cfg.Hostname)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}

	if cfg.TLS.CertFile != "/etc/ssl/cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/etc/ssl/cert.pem'", cfg.TLS.CertFile)
	}

	if cfg.TLS.KeyFile != "/etc/ssl/key.pem" {
		t.Errorf("tls.key_file = %q, want '/etc/ssl/key.pem'", cfg.TLS.KeyFile)
	}

	if cfg.TLS.MinVersion != "1.3" {
		t.Errorf("tls.min_version = %q, want '1.3'", cfg.TLS.MinVersion)
	}

	if cfg.Limits.MaxConnections != 50 {
		t.Errorf("limits.max_connections = %d, want 50", cfg.Limits.MaxConnections)
	}

	if cfg.Limits.MaxMail != 10 {
		t.Errorf("limits.max_mail = %d, want 10", cfg.Limits.MaxMail)
	}

	if cfg.Limits.MaxRecipients != 20 {
		t.Errorf("limits.max_recipients = %d, want 20", cfg.Limits.MaxRecipients)
	}

	if cfg.Timeouts.Connection != "15m" {
		t.Errorf("timeouts.connection = %q, want '15m'", cfg.Timeouts.Connection)
	}

	if cfg.Timeouts.Command != "2m" {
		t.Errorf("timeouts.command = %q, want '2m'", cfg.Timeouts.Command)
	}

	if cfg.Timeouts.Idle != "45m" {
		t.Errorf("timeouts.idle = %q, want '45m'", cfg.Timeouts.Idle)
	}

	if len(cfg.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(cfg.Listeners))
	}

	if cfg.Listeners[0].Address != ":25" || cfg.Listeners[0].Mode != ModeSmtp {
		t.Errorf("listener[0] = %+v, want address=':25' mode='smtp'", cfg.Listeners[0])
	}
	if !cfg.Listeners[0].STARTTLS || !cfg.Listeners[0].AUTH {
		t.Errorf("listener[0] = %+v, want starttls and auth enabled", cfg.Listeners[0])
	}

	if cfg.Listeners[1].Address != ":465" || cfg.Listeners[1].Mode != ModeSmtps {
		t.Errorf("listener[1] = %+v, want address=':465' mode='smtps'", cfg.Listeners[1])
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	content := `
[smtpd
hostname = "broken
`

	path := createTempConfig(t, content)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	content := `
[smtpd]
hostname = "partial.example.com"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Provided value should be used
	if cfg.Hostname != "partial.example.com" {
		t.Errorf("hostname = %q, want 'partial.example.com'", cfg.Hostname)
	}

	// Defaults should be preserved for unspecified values
	defaults := Default()
	if cfg.LogLevel != defaults.LogLevel {
		t.Errorf("log_level = %q, want default %q", cfg.LogLevel, defaults.LogLevel)
	}

	if cfg.Limits.MaxConnections != defaults.Limits.MaxConnections {
		t.Errorf("max_connections = %d, want default %d", cfg.Limits.MaxConnections, defaults.Limits.MaxConnections)
	}
}

func TestLoadSharedServerConfig(t *testing.T) {
	content := `
[server]
hostname = "shared.example.com"
domains_path = "/etc/smtpd/domains"

[server.tls]
cert_file = "/etc/ssl/shared-cert.pem"
key_file = "/etc/ssl/shared-key.pem"
min_version = "1.2"

[smtpd]
log_level = "warn"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Server settings should be inherited
	if cfg.Hostname != "shared.example.com" {
		t.Errorf("hostname = %q, want 'shared.example.com'", cfg.Hostname)
	}

	if cfg.DomainsPath != "/etc/smtpd/domains" {
		t.Errorf("domains_path = %q, want '/etc/smtpd/domains'", cfg.DomainsPath)
	}

	if cfg.TLS.CertFile != "/etc/ssl/shared-cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/etc/ssl/shared-cert.pem'", cfg.TLS.CertFile)
	}

	if cfg.TLS.KeyFile != "/etc/ssl/shared-key.pem" {
		t.Errorf("tls.key_file = %q, want '/etc/ssl/shared-key.pem'", cfg.TLS.KeyFile)
	}

	// smtpd-specific settings should be applied
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn'", cfg.LogLevel)
	}
}

func TestLoadSmtpdOverridesServer(t *testing.T) {
	content := `
[server]
hostname = "shared.example.com"
domains_path = "/etc/smtpd/domains"

[server.tls]
cert_file = "/etc/ssl/shared-cert.pem"
key_file = "/etc/ssl/shared-key.pem"

[smtpd]
hostname = "smtp.example.com"
domains_path = "/etc/smtpd/domains-override"

[smtpd.tls]
cert_file = "/etc/ssl/smtp-cert.pem"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// smtpd values should override server values
	if cfg.Hostname != "smtp.example.com" {
		t.Errorf("hostname = %q, want 'smtp.example.com' (smtpd should override server)", cfg.Hostname)
	}

	if cfg.DomainsPath != "/etc/smtpd/domains-override" {
		t.Errorf("domains_path = %q, want override value (smtpd should override server)", cfg.DomainsPath)
	}

	if cfg.TLS.CertFile != "/etc/ssl/smtp-cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/etc/ssl/smtp-cert.pem' (smtpd should override server)", cfg.TLS.CertFile)
	}

	// Server value should be used when smtpd doesn't override
	if cfg.TLS.KeyFile != "/etc/ssl/shared-key.pem" {
		t.Errorf("tls.key_file = %q, want '/etc/ssl/shared-key.pem' (server value should be inherited)", cfg.TLS.KeyFile)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()

	flags := &Flags{
		Hostname:       "flag.example.com",
		LogLevel:       "debug",
		TLSCert:        "/flag/cert.pem",
		TLSKey:         "/flag/key.pem",
		MaxConnections: 25,
		DomainsPath:    "/flag/domains",
	}

	result := ApplyFlags(cfg, flags)

	if result.Hostname != "flag.example.com" {
		t.Errorf("hostname = %q, want 'flag.example.com'", result.Hostname)
	}

	if result.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", result.LogLevel)
	}

	if result.TLS.CertFile != "/flag/cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/flag/cert.pem'", result.TLS.CertFile)
	}

	if result.TLS.KeyFile != "/flag/key.pem" {
		t.Errorf("tls.key_file = %q, want '/flag/key.pem'", result.TLS.KeyFile)
	}

	if result.Limits.MaxConnections != 25 {
		t.Errorf("max_connections = %d, want 25", result.Limits.MaxConnections)
	}

	if result.DomainsPath != "/flag/domains" {
		t.Errorf("domains_path = %q, want '/flag/domains'", result.DomainsPath)
	}
}

func TestApplyFlagsEmptyValuesDoNotOverride(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "original.example.com"
	cfg.LogLevel = "warn"
	cfg.Limits.MaxConnections = 50

	// Empty/zero flags should not override
	flags := &Flags{
		Hostname:       "",
		LogLevel:       "",
		MaxConnections: 0,
	}

	result := ApplyFlags(cfg, flags)

	if result.Hostname != "original.example.com" {
		t.Errorf("hostname = %q, want 'original.example.com' (should not be overridden)", result.Hostname)
	}

	if result.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn' (should not be overridden)", result.LogLevel)
	}

	if result.Limits.MaxConnections != 50 {
		t.Errorf("max_connections = %d, want 50 (should not be overridden)", result.Limits.MaxConnections)
	}
}

func TestApplyFlagsListenReplacesAllListeners(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{
		{Address: ":25", Mode: ModeSmtp},
		{Address: ":465", Mode: ModeSmtps},
	}

	flags := &Flags{
		Listen: ":2525",
	}

	result := ApplyFlags(cfg, flags)

	if len(result.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(result.Listeners))
	}

	if result.Listeners[0].Address != ":2525" {
		t.Errorf("listener address = %q, want ':2525'", result.Listeners[0].Address)
	}

	if result.Listeners[0].Mode != ModeSmtp {
		t.Errorf("listener mode = %q, want 'smtp'", result.Listeners[0].Mode)
	}
}

func TestLoadMetricsConfig(t *testing.T) {
	content := `
[smtpd]
hostname = "mail.example.com"

[smtpd.metrics]
enabled = true
address = ":9200"
path = "/custom-metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Metrics.Enabled {
		t.Errorf("metrics.enabled = %v, want true", cfg.Metrics.Enabled)
	}

	if cfg.Metrics.Address != ":9200" {
		t.Errorf("metrics.address = %q, want ':9200'", cfg.Metrics.Address)
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("metrics.path = %q, want '/custom-metrics'", cfg.Metrics.Path)
	}
}

func TestLoadMetricsConfigPartial(t *testing.T) {
	content := `
[smtpd]
hostname = "mail.example.com"

[smtpd.metrics]
enabled = true
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// enabled should be set from file
	if !cfg.Metrics.Enabled {
		t.Errorf("metrics.enabled = %v, want true", cfg.Metrics.Enabled)
	}

	// address and path should use defaults
	defaults := Default()
	if cfg.Metrics.Address != defaults.Metrics.Address {
		t.Errorf("metrics.address = %q, want default %q", cfg.Metrics.Address, defaults.Metrics.Address)
	}

	if cfg.Metrics.Path != defaults.Metrics.Path {
		t.Errorf("metrics.path = %q, want default %q", cfg.Metrics.Path, defaults.Metrics.Path)
	}
}

func TestLoadAuthAndDeliveryConfig(t *testing.T) {
	content := `
[smtpd]
hostname = "mail.example.com"
domains_path = "/etc/smtpd/domains"

[smtpd.auth]
type = "passwd"
credential_backend = "passwd"
key_backend = "keys"

[smtpd.msgstore]
type = "maildir"
base_path = "/var/mail"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Auth.IsConfigured() {
		t.Errorf("expected auth to be configured")
	}
	if cfg.Auth.Type != "passwd" {
		t.Errorf("auth.type = %q, want 'passwd'", cfg.Auth.Type)
	}

	if !cfg.Delivery.IsConfigured() {
		t.Errorf("expected delivery to be configured")
	}
	if cfg.Delivery.BasePath != "/var/mail" {
		t.Errorf("msgstore.base_path = %q, want '/var/mail'", cfg.Delivery.BasePath)
	}

	if cfg.DomainsPath != "/etc/smtpd/domains" {
		t.Errorf("domains_path = %q, want '/etc/smtpd/domains'", cfg.DomainsPath)
	}
}

func TestFlagPriorityOverConfig(t *testing.T) {
	content := `
[smtpd]
hostname = "config.example.com"
log_level = "info"

[smtpd.limits]
max_connections = 100
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Flags should override config file values
	flags := &Flags{
		Hostname:       "flag.example.com",
		MaxConnections: 50,
	}

	result := ApplyFlags(cfg, flags)

	// Flag values should win
	if result.Hostname != "flag.example.com" {
		t.Errorf("hostname = %q, want 'flag.example.com' (flag should override)", result.Hostname)
	}

	if result.Limits.MaxConnections != 50 {
		t.Errorf("max_connections = %d, want 50 (flag should override)", result.Limits.MaxConnections)
	}

	// Non-overridden config values should remain
	if result.LogLevel != "info" {
		t.Errorf("log_level = %q, want 'info' (config value should remain)", result.LogLevel)
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}
