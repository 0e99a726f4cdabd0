package server

import (
	"bufio"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/config"
)

// ConnectionConfig groups the per-connection settings a Listener hands to
// every accepted socket, including the listener-level protocol policy the
// session engine needs to decide what to advertise.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger

	Mode            config.ListenerMode
	STARTTLS        bool
	STARTTLSRequire bool
	AUTH            bool
	AUTHRequire     bool
	RoutingTag      string
	TLSConfig       *tls.Config
}

// Connection wraps one accepted net.Conn with buffered I/O, deadline
// management, and STARTTLS upgrade support. The session engine never touches
// net.Conn directly; it reads lines and writes replies through this type.
type Connection struct {
	mu sync.Mutex

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	idleTimeout    time.Duration
	commandTimeout time.Duration
	logTransaction bool
	logger         *slog.Logger

	policy ConnectionConfig

	isTLS  bool
	closed bool
}

// NewConnection wraps conn with the given configuration. If conn is already
// a *tls.Conn (implicit-TLS listener), the connection starts marked TLS.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	_, isTLS := conn.(*tls.Conn)
	return &Connection{
		conn:           conn,
		reader:         bufio.NewReaderSize(conn, 4096),
		writer:         bufio.NewWriterSize(conn, 4096),
		idleTimeout:    cfg.IdleTimeout,
		commandTimeout: cfg.CommandTimeout,
		logTransaction: cfg.LogTransaction,
		logger:         cfg.Logger,
		policy:         cfg,
		isTLS:          isTLS,
	}
}

// Policy returns the listener-level protocol policy (mode, STARTTLS/AUTH
// availability, TLS config) this connection was accepted under.
func (c *Connection) Policy() ConnectionConfig { return c.policy }

// Reader returns the buffered reader for line extraction.
func (c *Connection) Reader() *bufio.Reader { return c.reader }

// Writer returns the buffered writer replies are appended to; callers must
// call Flush to push bytes onto the wire.
func (c *Connection) Writer() *bufio.Writer { return c.writer }

// Flush drains the write buffer onto the socket.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTLS reports whether the connection is currently running over TLS.
func (c *Connection) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

// IsClosed reports whether Close has been called on this connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetCommandTimeout arms the read deadline for the next command line.
func (c *Connection) SetCommandTimeout() error {
	if c.commandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// ResetIdleTimeout re-arms the read deadline to the longer idle timeout; the
// session engine calls this after every completed command so a slow but
// still-progressing client is not penalized by the shorter per-command bound.
func (c *Connection) ResetIdleTimeout() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// TLSConnectionState returns the negotiated TLS state, or ok=false when the
// connection is not running over TLS.
func (c *Connection) TLSConnectionState() (tls.ConnectionState, bool) {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

// UpgradeToTLS performs a server-side TLS handshake on the raw connection and
// replaces the buffered reader/writer with ones backed by the TLS conn. It
// must be called only once; a second call returns ErrAlreadyTLS.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	c.mu.Lock()
	if c.isTLS {
		c.mu.Unlock()
		return ErrAlreadyTLS
	}
	c.mu.Unlock()

	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, 4096)
	c.writer = bufio.NewWriterSize(tlsConn, 4096)
	c.isTLS = true
	c.mu.Unlock()
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
