package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	_ "github.com/infodancer/auth/passwd" // Register passwd backend
	"github.com/infodancer/msgstore"
	_ "github.com/infodancer/msgstore/maildir" // Register maildir backend
	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	var authAgent auth.AuthenticationAgent
	if cfg.Auth.IsConfigured() {
		agentConfig := auth.AuthAgentConfig{
			Type:              cfg.Auth.Type,
			CredentialBackend: cfg.Auth.CredentialBackend,
			KeyBackend:        cfg.Auth.KeyBackend,
			Options:           cfg.Auth.Options,
		}
		authAgent, err = auth.OpenAuthAgent(agentConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating auth agent: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := authAgent.Close(); err != nil {
				logger.Error("error closing auth agent", "error", err)
			}
		}()
		logger.Info("authentication enabled", "type", cfg.Auth.Type)
	}

	var fallbackStore msgstore.MessageStore
	if cfg.Delivery.IsConfigured() {
		store, err := msgstore.Open(msgstore.StoreConfig{
			Type:     cfg.Delivery.Type,
			BasePath: cfg.Delivery.BasePath,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening message store: %v\n", err)
			os.Exit(1)
		}
		fallbackStore = store
		logger.Info("message store enabled", "type", cfg.Delivery.Type, "path", cfg.Delivery.BasePath)
	}

	var domainProvider domain.DomainProvider
	if cfg.DomainsPath != "" {
		p := domain.NewFilesystemDomainProvider(cfg.DomainsPath, logger)
		if cfg.DomainsDataPath != "" {
			p = p.WithDataPath(cfg.DomainsDataPath)
		}
		dp := p.WithDefaults(domain.DomainConfig{
			Auth: domain.DomainAuthConfig{
				Type:              "passwd",
				CredentialBackend: "passwd",
				KeyBackend:        "keys",
			},
			MsgStore: domain.DomainMsgStoreConfig{
				Type:     "maildir",
				BasePath: "users",
			},
		})
		defer func() {
			if err := dp.Close(); err != nil {
				logger.Error("error closing domain provider", "error", err)
			}
		}()
		domainProvider = dp
		logger.Info("domain provider enabled", "path", cfg.DomainsPath)
	}

	authRouter := domain.NewAuthRouter(domainProvider, authAgent)

	srv, err := server.New(server.Config{
		Cfg:       &cfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	collab := smtp.Collaborators{
		Resolver: smtp.NewNetResolver(),
		Filter:   smtp.NewDomainFilter(domainProvider),
		Queue:    smtp.NewSpoolQueue(domainProvider, fallbackStore, ""),
		Auth:     smtp.NewAuthRouterBackend(authRouter),
	}
	handler := smtp.Handler(cfg.Hostname, collab, cfg.Limits, collector)
	srv.SetHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path, nil)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("SMTP server stopped")
}
