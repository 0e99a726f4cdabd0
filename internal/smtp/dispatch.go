package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/server"
)

var nextMessageID atomic.Uint32

// nextMsgID mints the 8-hex message id used both as the envelope's
// queue-assigned id and as the Received header's "id" slot. The
// reference architecture mints this from the queue subsystem; our in-process
// Queue collaborator has no separate id-minting call, so the session engine
// generates it directly — a deliberate simplification recorded in DESIGN.md.
func nextMsgID() string {
	return fmt.Sprintf("%08x", nextMessageID.Add(1))
}

// dispatch processes one fully parsed, in-phase command. It returns
// false when the session must terminate (QUIT, a transport-fatal reply, or a
// kick). framer is a pointer to the connection's line framer so STARTTLS can
// install a fresh one bound to the upgraded reader.
func dispatch(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, registry *Registry, cmd Command, framer **Framer) bool {
	switch cmd.Verb {
	case VerbHELO:
		return handleHELOEHLO(ctx, conn, sess, logger, collector, collab, cmd, false)
	case VerbEHLO:
		return handleHELOEHLO(ctx, conn, sess, logger, collector, collab, cmd, true)
	case VerbSTARTTLS:
		return handleSTARTTLS(ctx, conn, sess, logger, collector, cmd, framer)
	case VerbAUTH:
		return handleAUTH(ctx, conn, sess, logger, collector, collab, cmd)
	case VerbMAILFROM:
		return handleMAILFROM(ctx, conn, sess, logger, collector, collab, registry, cmd)
	case VerbRCPTTO:
		return handleRCPTTO(ctx, conn, sess, logger, collector, collab, registry, cmd)
	case VerbDATA:
		return handleDATA(ctx, conn, sess, logger, collector, collab, registry, cmd)
	case VerbRSET:
		return handleRSET(ctx, conn, sess, logger, collector, collab)
	case VerbQUIT:
		return handleQUIT(conn, sess, logger)
	case VerbNOOP:
		return writeReply(conn, sess, logger, NewReply(250, "2.0.0", "Ok"))
	case VerbHELP:
		return handleHELP(conn, sess, logger)
	default:
		return writeReply(conn, sess, logger, NewReply(500, "", "Command unrecognized"))
	}
}

// handleHELOEHLO the HELO/EHLO handling: domain validation,
// flag reset, FilterHELO, greeting, and (for EHLO) the extension lines.
func handleHELOEHLO(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, cmd Command, ehlo bool) bool {
	if cmd.Arg == "" {
		verb := "HELO"
		if ehlo {
			verb = "EHLO"
		}
		return writeReply(conn, sess, logger, NewReply(501, "5.5.4", verb+" requires domain address"))
	}
	if !ValidDomainPart(cmd.Arg) {
		return writeReply(conn, sess, logger, NewReply(501, "5.5.2", "Invalid domain name"))
	}

	// Preserve only TLS and auth flags across re-HELO from INIT.
	sess.flags &= FlagTLSActive | FlagAuthenticated
	sess.envelope.HELO = cmd.Arg
	sess.envelope.EHLOUsed = ehlo
	if ehlo {
		sess.SetFlag(FlagEHLOUsed)
		sess.SetFlag(FlagAllow8BitMIME)
	}

	if collab.Filter != nil {
		res := collab.Filter.HELO(ctx, sess.Envelope())
		if res.Decision == FilterPermFail {
			code := res.Code
			if code == 0 {
				code = 550
			}
			return writeReply(conn, sess, logger, NewReply(code, res.Enhanced, textOr(res.Text, "Hello rejected")))
		}
	}

	sep := byte(' ')
	if ehlo {
		sep = '-'
	}
	greeting := fmt.Sprintf("%c%s Hello %s [%s], pleased to meet you", sep, sess.Listener().LocalHostname, sess.Envelope().HELO, addrOnly(sess.Envelope().PeerAddr))
	if !writeRawReply(conn, sess, logger, 250, greeting) {
		return false
	}
	if ehlo {
		for _, line := range sess.Capabilities() {
			if !writeRawReply(conn, sess, logger, 250, continuationOrFinal(line, line == "HELP")) {
				return false
			}
		}
	}

	sess.ResetKick()
	sess.SetPhase(PhaseSetup)
	sess.SetState(StateHELO)
	return true
}

// writeRawReply writes a single already-formatted line ("-text" for
// continuation, " text" for final) without the Reply type's own separator
// logic, matching the original's per-line smtp_reply calls for the
// greeting/capability block.
func writeRawReply(conn *server.Connection, sess *Session, logger *slog.Logger, code int, line string) bool {
	sep := byte('-')
	text := line
	if len(line) > 0 && (line[0] == ' ' || line[0] == '-') {
		sep = line[0]
		text = line[1:]
	}
	r := Reply{Code: code, Lines: []string{text}}
	buf, err := r.Format(sess.Listener().LineMax)
	if err != nil {
		logger.Error("reply formatting failed", slog.Uint64("session_id", sess.ID()), slog.String("error", err.Error()))
		return false
	}
	buf[3] = sep
	LogReply(logger, sess.ID(), sess.CommandBuffer(), r)
	if _, err := conn.Writer().Write(buf); err != nil {
		return false
	}
	return conn.Flush() == nil
}

func continuationOrFinal(text string, final bool) string {
	if final {
		return " " + text
	}
	return "-" + text
}

func textOr(text, fallback string) string {
	if text == "" {
		return fallback
	}
	return text
}

// handleSTARTTLS implements STARTTLS: reject if already TLS or given
// arguments, else reply and upgrade the connection in place.
func handleSTARTTLS(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, cmd Command, framer **Framer) bool {
	if sess.TLSActive() {
		return writeReply(conn, sess, logger, NewReply(501, "5.5.1", "Channel already secured"))
	}
	if cmd.Arg != "" {
		return writeReply(conn, sess, logger, NewReply(501, "5.5.4", "No parameters allowed"))
	}
	if !writeReply(conn, sess, logger, NewReply(220, "", "Ready to start TLS")) {
		return false
	}
	sess.SetState(StateTLSPending)

	tlsCfg := sess.Listener().TLSConfig
	if tlsCfg == nil {
		logger.Error("starttls requested but no TLS configuration available", slog.Uint64("session_id", sess.ID()))
		return false
	}
	if err := conn.UpgradeToTLS(tlsCfg); err != nil {
		logger.Debug("TLS handshake failed", slog.Uint64("session_id", sess.ID()), slog.String("error", err.Error()))
		return false
	}

	sess.SetFlag(FlagTLSActive)
	collector.TLSConnectionEstablished()
	sess.ResetKick()

	*framer = NewFramer(conn.Reader(), sess.Listener().LineMax)

	// Per RFC 3207, the client must resend HELO/EHLO: the session returns
	// to INIT, so MAIL FROM and the other SETUP commands are rejected as
	// out of sequence until a fresh HELO/EHLO succeeds.
	sess.SetPhase(PhaseInit)
	sess.SetState(StateHELO)
	return true
}

// handleAUTH the SASL dispatch: method parsing and PLAIN/LOGIN
// sub-machine entry.
func handleAUTH(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, cmd Command) bool {
	if !sess.AdvertiseAUTH() {
		if sess.HasFlag(FlagAuthenticated) {
			return writeReply(conn, sess, logger, NewReply(503, "5.5.1", "Already authenticated"))
		}
		return writeReply(conn, sess, logger, NewReply(503, "5.5.1", "AUTH not available"))
	}
	if cmd.Arg == "" {
		return writeReply(conn, sess, logger, NewReply(501, "5.5.4", "No parameters given"))
	}

	method, rest, _ := strings.Cut(cmd.Arg, " ")
	if t := strings.IndexByte(method, '\t'); t >= 0 {
		method = method[:t]
	}
	rest = strings.TrimSpace(rest)

	if collab.Auth == nil {
		return writeReply(conn, sess, logger, NewReply(504, "5.5.4", fmt.Sprintf("AUTH method %q not supported", method)))
	}

	backendAuth := authFuncFor(ctx, collab.Auth)
	authFn := func(authzid, authcid, password string) error {
		sess.SetUsername(authcid)
		return backendAuth(authzid, authcid, password)
	}

	switch strings.ToUpper(method) {
	case "PLAIN":
		sess.SetSASLServer("PLAIN", NewPlainServer(authFn))
		if rest == "" {
			sess.SetState(StateAuthInit)
			return writeReply(conn, sess, logger, NewReply(334, "", ""))
		}
		return handleSASLLine(sess, conn, logger, collector, rest)
	case "LOGIN":
		sess.SetSASLServer("LOGIN", NewLoginServer(authFn))
		sess.SetState(StateAuthUsername)
		challenge, _, err := sess.SASLServer().Next(nil)
		if err != nil {
			sess.ClearSASL()
			return writeReply(conn, sess, logger, NewReply(501, "5.5.2", "Syntax error"))
		}
		return writeReply(conn, sess, logger, NewReply(334, "", EncodeSASLChallenge(challenge)))
	default:
		return writeReply(conn, sess, logger, NewReply(504, "", fmt.Sprintf("AUTH method %q not supported", method)))
	}
}

// handleMAILFROM implements MAIL FROM: STARTTLS/AUTH requirements, the
// SMTP_MAXMAIL limit, address/ESMTP-parameter parsing, and FilterMAIL.
func handleMAILFROM(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, registry *Registry, cmd Command) bool {
	if sess.Listener().STARTTLSRequire && !sess.TLSActive() {
		return writeReply(conn, sess, logger, NewReply(530, "5.7.0", "Must issue a STARTTLS command first"))
	}
	if sess.Listener().AUTHRequire && !sess.HasFlag(FlagAuthenticated) {
		return writeReply(conn, sess, logger, NewReply(530, "5.7.0", "Must issue an AUTH command first"))
	}
	if sess.Listener().MaxMail > 0 && sess.MailCount() >= sess.Listener().MaxMail {
		return writeReply(conn, sess, logger, NewReply(452, "", "Too many messages sent"))
	}

	addr, params, err := ParseMailbox(cmd.Arg)
	if err != nil {
		return writeReply(conn, sess, logger, NewReply(553, "5.1.7", "Sender address syntax error"))
	}

	mp, badToken, ok := ParseMailParams(params, sess.HasFlag(FlagAllow8BitMIME))
	if sess.Envelope().EHLOUsed {
		if !ok {
			return writeReply(conn, sess, logger, NewReply(503, "5.5.4", fmt.Sprintf("Unsupported option %s", badToken)))
		}
	} else {
		mp = MailParams{Allow8BitMIME: sess.HasFlag(FlagAllow8BitMIME)}
	}

	sess.Envelope().Sender = addr
	sess.SetTransactionAllow8Bit(mp.Allow8BitMIME)

	if collab.Filter != nil {
		res := collab.Filter.MAIL(ctx, sess.Envelope())
		if res.Decision == FilterPermFail {
			code := res.Code
			if code == 0 {
				code = 550
			}
			return writeReply(conn, sess, logger, NewReply(code, res.Enhanced, textOr(res.Text, "Sender rejected")))
		}
		if res.Text != "" {
			sess.Envelope().Sender = res.Text
		}
	}

	// FilterMAIL accepted: mint the envelope and open its spool immediately,
	// per spec section 4.3 ("triggers QueueCreateMessage; on queue success
	// the returned envelope id is stored, phase becomes TRANSACTION...; on
	// queue failure, 421 Temporary Error") and
	// original_source/smtpd/smtp_session.c:307-320. Phase only advances on
	// queue success, so envelope.id stays live for the whole TRANSACTION
	// phase instead of being deferred to DATA.
	if collab.Queue == nil {
		return writeReply(conn, sess, logger, NewReply(421, "4.3.0", "Temporary Error"))
	}
	registry.Insert(KindQueueCreateMessage, sess.ID(), sess)
	handle, err := collab.Queue.CreateMessage(ctx, sess.Envelope())
	registry.Remove(KindQueueCreateMessage, sess.ID())
	if err != nil {
		return writeReply(conn, sess, logger, NewReply(421, "4.3.0", "Temporary Error"))
	}

	sess.Envelope().ID = nextMsgID()
	sess.SetQueuedSpool(handle)
	sess.SetPhase(PhaseTransaction)
	sess.ResetRcptCount()
	return writeReply(conn, sess, logger, NewReply(250, "", "Ok"))
}

// handleRCPTTO implements RCPT TO: the SMTP_MAXRCPT limit, address
// parsing, FilterRCPT, the per-recipient queue submission, and the
// recipient-accept bookkeeping (kick decrement rather than reset).
func handleRCPTTO(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, registry *Registry, cmd Command) bool {
	if sess.Listener().MaxRecipients > 0 && sess.RcptCount() >= sess.Listener().MaxRecipients {
		return writeReply(conn, sess, logger, NewReply(452, "", "Too many recipients"))
	}

	addr, _, err := ParseMailbox(cmd.Arg)
	if err != nil {
		return writeReply(conn, sess, logger, NewReply(501, "5.1.3", "Bad recipient address syntax"))
	}
	sess.Envelope().Recipient = addr

	if collab.Filter != nil {
		registry.Insert(KindFilterRCPT, sess.ID(), sess)
		res := collab.Filter.RCPT(ctx, sess.Envelope(), addr)
		registry.Remove(KindFilterRCPT, sess.ID())
		if res.Decision == FilterPermFail {
			code := res.Code
			if code == 0 {
				code = 550
			}
			return writeReply(conn, sess, logger, NewReply(code, res.Enhanced, textOr(res.Text, fmt.Sprintf("Recipient rejected: %s", addr))))
		}
	}

	// QueueSubmitEnvelope/QueueCommitEnvelopes: one queue round-trip per
	// accepted recipient, collapsing the reference architecture's
	// submit-then-commit pair into a single synchronous call (see
	// queue.go). Failure sets TEMPFAILURE without touching dest_count,
	// rcpt_count, or kick_count.
	if collab.Queue != nil {
		if err := collab.Queue.SubmitRecipient(ctx, sess.Envelope(), addr); err != nil {
			sess.SetDeliveryStatus(StatusTempFailure)
			return writeReply(conn, sess, logger, NewReply(452, "4.3.0", "Temporary failure, try again later"))
		}
	}

	sess.Envelope().Recipients = append(sess.Envelope().Recipients, addr)
	sess.IncrementDest()
	sess.IncrementRcpt()
	sess.DecrementKick()
	return writeReply(conn, sess, logger, NewReply(250, "2.0.0", "Recipient ok"))
}

// handleDATA implements DATA entry: the recipient-count guard, spool
// adoption, Received header, and BODY state entry.
func handleDATA(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, registry *Registry, cmd Command) bool {
	if sess.RcptCount() == 0 {
		return writeReply(conn, sess, logger, NewReply(503, "5.5.1", "No recipient specified"))
	}

	// The spool handle and envelope id were already minted by
	// QueueCreateMessage at MAIL FROM time (handleMAILFROM); DATA only
	// adopts the queued handle as the active one, matching the reference
	// architecture's separate QueueOpenFile{reqid, evpid} request against
	// the message QueueCreateMessage already allocated.
	handle := sess.QueuedSpool()
	if handle == nil {
		return writeReply(conn, sess, logger, NewReply(421, "4.3.0", "Temporary failure"))
	}
	sess.ClearQueuedSpool()
	sess.SetSpool(handle)
	sess.ResetDataBytes()
	sess.ResetDeliveryStatus()

	var tlsState *tls.ConnectionState
	if st, ok := conn.TLSConnectionState(); ok {
		tlsState = &st
	}
	header := ReceivedHeader(sess.Envelope(), tlsState, sess.Listener().LocalHostname, sess.Envelope().EHLOUsed, sess.Envelope().ID, time.Now())
	if _, err := handle.Write([]byte(header)); err != nil {
		sess.SetDeliveryStatus(StatusTempFailure)
	} else {
		sess.AddDataBytes(int64(len(header)))
	}

	if !writeReply(conn, sess, logger, NewReply(354, "", `Enter mail, end with "." on a lineby itself`)) {
		return false
	}

	registry.Insert(KindFilterDATA, sess.ID(), sess)
	sess.SetState(StateBody)
	sess.ClearFlag(FlagClientSawEOD)
	if collab.Filter == nil || !filterSubscribesDataline(collab.Filter) {
		sess.SetFlag(FlagFilterSawEOD)
	} else {
		sess.ClearFlag(FlagFilterSawEOD)
	}
	return true
}

// filterSubscribesDataline reports whether the configured filter wants to
// see each body line as it arrives. The default Filter does not
// implement DataLineFilter, so FILTER_SAW_EOD is forced at DATA time.
func filterSubscribesDataline(f Filter) bool {
	_, ok := dataLineFilterFor(f)
	return ok
}

// handleRSET implements /RSET: FilterRSET, envelope reset, return to
// SETUP. RSET issued in INIT, before any HELO/EHLO, replies 250 and
// leaves the session unchanged.
func handleRSET(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators) bool {
	if sess.Phase() == PhaseInit {
		return writeReply(conn, sess, logger, NewReply(250, "2.0.0", "Reset state"))
	}
	if sp := sess.Spool(); sp != nil {
		sess.ClearSpool()
		_ = sp.Close()
		if collab.Queue != nil {
			_ = collab.Queue.Discard(ctx, sess.Envelope())
		}
	} else if sp := sess.QueuedSpool(); sp != nil {
		// MAIL FROM minted an envelope and opened its spool, but DATA was
		// never reached: roll back the same way, since QueueRemoveMessage
		// is a best-effort rollback regardless of how far the transaction got.
		sess.ClearQueuedSpool()
		_ = sp.Close()
		if collab.Queue != nil {
			_ = collab.Queue.Discard(ctx, sess.Envelope())
		}
	}
	sess.Reset()
	return writeReply(conn, sess, logger, NewReply(250, "2.0.0", "Reset state"))
}

func handleQUIT(conn *server.Connection, sess *Session, logger *slog.Logger) bool {
	sess.SetState(StateQuit)
	writeReply(conn, sess, logger, NewReply(221, "2.0.0", "Bye"))
	return false
}

func handleHELP(conn *server.Connection, sess *Session, logger *slog.Logger) bool {
	lines := []string{
		"-This is smtpd",
		"-To report bugs, contact your system administrator",
		"-with full transcript details",
		" End of HELP info",
	}
	for _, l := range lines {
		if !writeRawReply(conn, sess, logger, 214, l) {
			return false
		}
	}
	return true
}
