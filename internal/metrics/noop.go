package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished() {}

// SMTPSConnectionOpened is a no-op.
func (n *NoopCollector) SMTPSConnectionOpened() {}

// SMTPSConnectionClosed is a no-op.
func (n *NoopCollector) SMTPSConnectionClosed() {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(authDomain string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(command string) {}

// MessageAccepted is a no-op.
func (n *NoopCollector) MessageAccepted(routingTag string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(routingTag string, reason string) {}

// Kick is a no-op.
func (n *NoopCollector) Kick() {}

// Tempfail is a no-op.
func (n *NoopCollector) Tempfail() {}
