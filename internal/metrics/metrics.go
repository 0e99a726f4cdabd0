// Package metrics provides interfaces and implementations for collecting
// smtpd session engine metrics. This package defines the Collector interface
// for recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording smtpd metrics: the ambient
// connection/command/auth counters every listener carries, plus the
// statistics counters the session engine is required to maintain.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// SMTPSConnectionOpened/Closed track the smtp.smtps counter:
	// implicit-TLS connections, counted separately from STARTTLS upgrades.
	SMTPSConnectionOpened()
	SMTPSConnectionClosed()

	// Authentication metrics (authenticated user's domain)
	AuthAttempt(authDomain string, success bool)

	// Command metrics
	CommandProcessed(command string)

	// Message transaction metrics
	MessageAccepted(routingTag string, sizeBytes int64)
	MessageRejected(routingTag string, reason string)

	// Kick records a session disposed for lack of forward progress (
	// smtp.kick).
	Kick()

	// Tempfail records a transient infrastructure failure.
	Tempfail()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
