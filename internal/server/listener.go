package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
)

// ConnectionHandler processes exactly one accepted connection to completion.
// It must not return until the session is fully disposed of.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig groups the settings needed to run one net.Listener.
type ListenerConfig struct {
	Address         string
	Mode            config.ListenerMode
	STARTTLS        bool
	STARTTLSRequire bool
	AUTH            bool
	AUTHRequire     bool
	TLSConfig       *tls.Config
	IdleTimeout     time.Duration
	CommandTimeout  time.Duration
	LogTransaction  bool
	Logger          *slog.Logger
	Handler         ConnectionHandler
	Limiter         *ConnectionLimiter
}

// Listener accepts connections on one address and dispatches each to a
// ConnectionHandler in its own goroutine.
type Listener struct {
	cfg ListenerConfig
	ln  net.Listener

	mu     sync.Mutex
	closed bool
}

// NewListener creates a Listener from cfg. The socket is not opened until
// Start is called.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured listen address.
func (l *Listener) Address() string { return l.cfg.Address }

// Mode returns the configured listener mode.
func (l *Listener) Mode() config.ListenerMode { return l.cfg.Mode }

// Start opens the socket and accepts connections until ctx is cancelled or
// Close is called. For ModeSmtps listeners, each accepted socket is
// TLS-wrapped before the handler ever sees it.
func (l *Listener) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if l.cfg.Mode == config.ModeSmtps {
		if l.cfg.TLSConfig == nil {
			return errors.New("smtps listener requires a TLS configuration")
		}
		ln, err = tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", l.cfg.Address)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	logger := l.cfg.Logger
	if logger != nil {
		logger.Info("listener started", slog.String("address", l.cfg.Address), slog.String("mode", string(l.cfg.Mode)))
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return ctx.Err()
			}
			return err
		}

		if l.cfg.Limiter != nil && !l.cfg.Limiter.TryAcquire() {
			_ = conn.Close()
			continue
		}

		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	if l.cfg.Limiter != nil {
		defer l.cfg.Limiter.Release()
	}
	defer func() { _ = conn.Close() }()

	c := NewConnection(conn, ConnectionConfig{
		IdleTimeout:     l.cfg.IdleTimeout,
		CommandTimeout:  l.cfg.CommandTimeout,
		LogTransaction:  l.cfg.LogTransaction,
		Logger:          l.cfg.Logger,
		Mode:            l.cfg.Mode,
		STARTTLS:        l.cfg.STARTTLS,
		STARTTLSRequire: l.cfg.STARTTLSRequire,
		AUTH:            l.cfg.AUTH,
		AUTHRequire:     l.cfg.AUTHRequire,
		RoutingTag:      l.cfg.Address,
		TLSConfig:       l.cfg.TLSConfig,
	})

	handler := l.cfg.Handler
	if handler == nil {
		return
	}
	if l.cfg.Logger != nil {
		ctx = logging.WithContext(ctx, l.cfg.Logger)
	}
	handler(ctx, c)
}

// Close stops accepting new connections on this listener.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}
