package smtp

import (
	"crypto/tls"
	"io"
	"log/slog"
	"strconv"

	"github.com/emersion/go-sasl"
)

// Phase is the coarse session lifecycle stage gating which commands are
// legal.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseSetup
	PhaseTransaction
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseSetup:
		return "SETUP"
	case PhaseTransaction:
		return "TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

// ProtocolState is the fine-grained sub-stage within a phase, especially
// across SASL challenge/response and DATA.
type ProtocolState int

const (
	StateNew ProtocolState = iota
	StateConnected
	StateTLSPending
	StateHELO
	StateAuthInit
	StateAuthUsername
	StateAuthPassword
	StateAuthFinalize
	StateBody
	StateQuit
)

func (s ProtocolState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnected:
		return "CONNECTED"
	case StateTLSPending:
		return "TLS_PENDING"
	case StateHELO:
		return "HELO"
	case StateAuthInit:
		return "AUTH_INIT"
	case StateAuthUsername:
		return "AUTH_USERNAME"
	case StateAuthPassword:
		return "AUTH_PASSWORD"
	case StateAuthFinalize:
		return "AUTH_FINALIZE"
	case StateBody:
		return "BODY"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Flag is the session flag bitset.
type Flag uint32

const (
	FlagEHLOUsed Flag = 1 << iota
	FlagAllow8BitMIME
	FlagTLSActive
	FlagAuthenticated
	FlagClientSawEOD
	FlagFilterSawEOD
	FlagKick
)

// DeliveryStatus accumulates during DATA.
type DeliveryStatus uint8

const (
	StatusTempFailure DeliveryStatus = 1 << iota
	StatusPermFailure
)

// ListenerRef is the non-owning back-reference to listener configuration
// held by every session: the flag set, TLS context, and routing tag.
type ListenerRef struct {
	SMTPS           bool
	STARTTLS        bool
	STARTTLSRequire bool
	AUTH            bool
	AUTHRequire     bool
	RoutingTag      string
	TLSConfig       *tls.Config
	LocalHostname   string
	MaxMail         int
	MaxRecipients   int
	MaxMessageSize  int64
	LineMax         int
	KickThreshold   int
}

// Envelope is the mutable draft holding routing metadata for the session's
// current (or most recently completed) transaction.
type Envelope struct {
	RoutingTag   string
	SessionID    uint64
	PeerAddr     string
	PeerHostname string
	HELO         string
	EHLOUsed     bool
	Sender       string
	Recipient    string   // recipient currently under FilterRCPT evaluation
	Recipients   []string // accepted recipients, accumulated across RCPT TO
	ID           string   // queue-assigned envelope id; "" means none live
}

// resetTransaction clears transaction-scoped fields while preserving the
// connection-scoped ones (routing tag, session id, peer info, HELO) — used
// by RSET and after a committed or failed transaction.
func (e *Envelope) resetTransaction() {
	*e = Envelope{
		RoutingTag:   e.RoutingTag,
		SessionID:    e.SessionID,
		PeerAddr:     e.PeerAddr,
		PeerHostname: e.PeerHostname,
		HELO:         e.HELO,
		EHLOUsed:     e.EHLOUsed,
	}
}

// Session is the principal entity, one per accepted connection.
type Session struct {
	id       uint64
	listener ListenerRef

	flags Flag
	phase Phase
	state ProtocolState

	envelope      Envelope
	commandBuffer string

	kickCount int
	mailCount int
	rcptCount int
	destCount int

	dataBytes      int64
	deliveryStatus DeliveryStatus

	saslServer sasl.Server
	saslMech   string
	username   string
	password   string

	spool       SpoolHandle
	queuedSpool SpoolHandle
	txAllow8Bit bool

	logger *slog.Logger
}

// SpoolHandle is the open temp-file handle backing the current DATA
// transaction: writable while the body is being ingested, then
// rewound and read back to hand to Queue.Commit.
type SpoolHandle interface {
	io.Writer
	io.Closer
	io.ReadSeeker
}

// Spool returns the session's active spool handle, or nil between
// transactions.
func (s *Session) Spool() SpoolHandle { return s.spool }

// SetSpool records the spool handle opened by Queue.CreateMessage for the
// current transaction.
func (s *Session) SetSpool(h SpoolHandle) { s.spool = h }

// ClearSpool drops the session's reference to its spool handle without
// closing it; callers close explicitly before or after calling this.
func (s *Session) ClearSpool() { s.spool = nil }

// QueuedSpool returns the handle Queue.CreateMessage opened at MAIL FROM
// time, held here until DATA adopts it as the active spool. This is
// distinct from Spool so invariant 1 (spool_writer present iff
// protocol_state = BODY or completing EOD) still holds: the transaction's
// message is created at MAIL time, per spec section 4.3, but the handle is
// not "active" until DATA.
func (s *Session) QueuedSpool() SpoolHandle { return s.queuedSpool }

// SetQueuedSpool records the spool handle opened by Queue.CreateMessage for
// a transaction that has not yet reached DATA.
func (s *Session) SetQueuedSpool(h SpoolHandle) { s.queuedSpool = h }

// ClearQueuedSpool drops the session's reference to its queued spool handle
// without closing it; callers close explicitly before or after calling
// this.
func (s *Session) ClearQueuedSpool() { s.queuedSpool = nil }

// NewSession creates a new SMTP session bound to a listener configuration.
// id must be unique across the process lifetime.
func NewSession(id uint64, listener ListenerRef, peerAddr string, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		listener: listener,
		phase:    PhaseInit,
		state:    StateNew,
		logger:   logger,
	}
	s.envelope = Envelope{
		RoutingTag: listener.RoutingTag,
		SessionID:  id,
		PeerAddr:   peerAddr,
	}
	if listener.SMTPS {
		s.flags |= FlagTLSActive
	}
	return s
}

func (s *Session) ID() uint64            { return s.id }
func (s *Session) Listener() ListenerRef { return s.listener }
func (s *Session) Phase() Phase          { return s.phase }
func (s *Session) State() ProtocolState  { return s.state }
func (s *Session) Envelope() *Envelope   { return &s.envelope }
func (s *Session) Logger() *slog.Logger  { return s.logger }

func (s *Session) SetPhase(p Phase)         { s.phase = p }
func (s *Session) SetState(st ProtocolState) { s.state = st }

func (s *Session) HasFlag(f Flag) bool { return s.flags&f != 0 }
func (s *Session) SetFlag(f Flag)      { s.flags |= f }
func (s *Session) ClearFlag(f Flag)    { s.flags &^= f }

// TLSActive reports whether TLS is currently active on this connection,
// either via implicit SMTPS or a completed STARTTLS handshake.
func (s *Session) TLSActive() bool { return s.HasFlag(FlagTLSActive) }

// AdvertiseTLS implements the invariant ADVERTISE_TLS ⇔ listener.STARTTLS ∧
// ¬TLS_ACTIVE.
func (s *Session) AdvertiseTLS() bool {
	return s.listener.STARTTLS && !s.TLSActive()
}

// AdvertiseAUTH implements ADVERTISE_AUTH ⇔ listener.AUTH ∧ TLS_ACTIVE ∧
// ¬AUTHENTICATED.
func (s *Session) AdvertiseAUTH() bool {
	return s.listener.AUTH && s.TLSActive() && !s.HasFlag(FlagAuthenticated)
}

// CommandBuffer returns the last decoded command line, retained for
// diagnostics.
func (s *Session) CommandBuffer() string { return s.commandBuffer }

// SetCommandBuffer records the most recently decoded command line.
func (s *Session) SetCommandBuffer(line string) { s.commandBuffer = line }

// IncrementKick implements the per-command kick_count bump. It
// returns true once the threshold is reached, signaling the caller to
// dispose the session with reason "kick".
func (s *Session) IncrementKick() bool {
	s.kickCount++
	if s.kickCount >= s.listener.KickThreshold {
		s.flags |= FlagKick
		return true
	}
	return false
}

// ResetKick clears kick_count on a qualifying progress event:
// successful HELO/EHLO, AUTH, message commit, or TLS start. An accepted
// RCPT uses DecrementKick instead.
func (s *Session) ResetKick() { s.kickCount = 0 }

// DecrementKick implements the RCPT-acceptance special case: decrement
// rather than reset, to preserve fairness under long RCPT runs.
func (s *Session) DecrementKick() {
	if s.kickCount > 0 {
		s.kickCount--
	}
}

func (s *Session) KickCount() int { return s.kickCount }

func (s *Session) MailCount() int { return s.mailCount }
func (s *Session) RcptCount() int { return s.rcptCount }
func (s *Session) DestCount() int { return s.destCount }

func (s *Session) IncrementMail() { s.mailCount++ }
func (s *Session) IncrementRcpt() { s.rcptCount++ }
func (s *Session) IncrementDest() { s.destCount++ }

func (s *Session) ResetRcptCount() { s.rcptCount = 0 }

// DataBytes returns bytes written to the spool for the current body.
func (s *Session) DataBytes() int64      { return s.dataBytes }
func (s *Session) AddDataBytes(n int64)  { s.dataBytes += n }
func (s *Session) ResetDataBytes()       { s.dataBytes = 0 }

func (s *Session) DeliveryStatus() DeliveryStatus { return s.deliveryStatus }
func (s *Session) SetDeliveryStatus(d DeliveryStatus) { s.deliveryStatus |= d }
func (s *Session) ResetDeliveryStatus()               { s.deliveryStatus = 0 }

// SetSASLServer records the active SASL sub-machine for a multi-step
// exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

func (s *Session) SASLServer() sasl.Server { return s.saslServer }
func (s *Session) SASLMech() string        { return s.saslMech }

func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

func (s *Session) IsSASLInProgress() bool { return s.saslServer != nil }

func (s *Session) SetUsername(u string) { s.username = u }
func (s *Session) Username() string     { return s.username }

// SetPassword stashes a password in scratch storage; ZeroPassword must be
// called immediately after it is handed to the authentication worker,
// regardless of outcome.
func (s *Session) SetPassword(p string) { s.password = p }

// ZeroPassword overwrites the scratch password field. Go strings are
// immutable, so true in-place zeroing is not possible; this at minimum
// drops the only reference the session holds, and is called at every point
// the credential must no longer be retained.
func (s *Session) ZeroPassword() { s.password = "" }

// SetTransactionAllow8Bit records whether the current transaction carries
// 8-bit bodies unmasked, per the ESMTP BODY= parameter scan. It
// overrides FlagAllow8BitMIME for this transaction only; the persistent
// flag set by EHLO is left untouched so the next MAIL FROM starts from the
// session's real default again.
func (s *Session) SetTransactionAllow8Bit(v bool) { s.txAllow8Bit = v }

// TransactionAllow8Bit reports whether the body ingester should leave high
// bits intact for the current transaction.
func (s *Session) TransactionAllow8Bit() bool { return s.txAllow8Bit }

// Capabilities returns the EHLO extension lines advertised for this
// session's current state, the specified order.
func (s *Session) Capabilities() []string {
	caps := []string{"8BITMIME", "ENHANCEDSTATUSCODES"}
	if s.listener.MaxMessageSize > 0 {
		caps = append(caps, sizeCapability(s.listener.MaxMessageSize))
	}
	if s.AdvertiseTLS() {
		caps = append(caps, "STARTTLS")
	}
	if s.AdvertiseAUTH() {
		caps = append(caps, "AUTH PLAIN LOGIN")
	}
	caps = append(caps, "HELP")
	return caps
}

func sizeCapability(max int64) string {
	return "SIZE " + strconv.FormatInt(max, 10)
}

// Reset implements RSET: clears the envelope id and recipients,
// returns phase to SETUP. It does not touch kick_count (RSET is not a
// listed progress event).
func (s *Session) Reset() {
	s.envelope.resetTransaction()
	s.phase = PhaseSetup
	s.state = StateHELO
}
