package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxConnections int
	DomainsPath    string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./smtpd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")
	flag.StringVar(&f.DomainsPath, "domains", "", "Path to per-domain configuration directory")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [smtpd]
// (specific settings), with [smtpd] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.Smtpd)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Listen != "" {
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModeSmtp, STARTTLS: true},
		}
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}
	if f.DomainsPath != "" {
		cfg.DomainsPath = f.DomainsPath
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.DomainsPath != "" {
		dst.DomainsPath = src.DomainsPath
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	return dst
}

func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}
	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}
	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Limits.MaxMail > 0 {
		dst.Limits.MaxMail = src.Limits.MaxMail
	}
	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}
	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}
	if src.Limits.LineMax > 0 {
		dst.Limits.LineMax = src.Limits.LineMax
	}
	if src.Limits.KickThreshold > 0 {
		dst.Limits.KickThreshold = src.Limits.KickThreshold
	}
	if src.Limits.SessionTimeout != "" {
		dst.Limits.SessionTimeout = src.Limits.SessionTimeout
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if src.DomainsPath != "" {
		dst.DomainsPath = src.DomainsPath
	}
	if src.DomainsDataPath != "" {
		dst.DomainsDataPath = src.DomainsDataPath
	}
	if src.Auth.Type != "" {
		dst.Auth.Type = src.Auth.Type
	}
	if src.Auth.CredentialBackend != "" {
		dst.Auth.CredentialBackend = src.Auth.CredentialBackend
	}
	if src.Auth.KeyBackend != "" {
		dst.Auth.KeyBackend = src.Auth.KeyBackend
	}
	if src.Auth.Options != nil {
		if dst.Auth.Options == nil {
			dst.Auth.Options = make(map[string]string)
		}
		for k, v := range src.Auth.Options {
			dst.Auth.Options[k] = v
		}
	}
	if src.Delivery.Type != "" {
		dst.Delivery.Type = src.Delivery.Type
	}
	if src.Delivery.BasePath != "" {
		dst.Delivery.BasePath = src.Delivery.BasePath
	}
	if src.Delivery.Options != nil {
		if dst.Delivery.Options == nil {
			dst.Delivery.Options = make(map[string]string)
		}
		for k, v := range src.Delivery.Options {
			dst.Delivery.Options[k] = v
		}
	}
	return dst
}
