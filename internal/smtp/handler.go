package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/server"
)

var nextSessionID atomic.Uint64

// Collaborators groups the pluggable backends a Handler dispatches
// protocol events to.
type Collaborators struct {
	Resolver Resolver
	Filter   Filter
	Queue    Queue
	Auth     AuthBackend
}

// Handler builds a session-engine ConnectionHandler bound to hostname and
// the given collaborators and limits.
func Handler(hostname string, collab Collaborators, limits config.LimitsConfig, collector metrics.Collector) server.ConnectionHandler {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	registry := NewRegistry()

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, hostname, collab, limits, collector, registry)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, hostname string, collab Collaborators, limits config.LimitsConfig, collector metrics.Collector, registry *Registry) {
	logger := logging.FromContext(ctx)

	collector.ConnectionOpened()
	defer collector.ConnectionClosed()

	policy := conn.Policy()
	if conn.IsTLS() && policy.Mode == config.ModeSmtps {
		collector.SMTPSConnectionOpened()
		defer collector.SMTPSConnectionClosed()
	}

	id := nextSessionID.Add(1)
	listenerRef := ListenerRef{
		SMTPS:           conn.IsTLS() && policy.Mode == config.ModeSmtps,
		STARTTLS:        policy.STARTTLS,
		STARTTLSRequire: policy.STARTTLSRequire,
		AUTH:            policy.AUTH,
		AUTHRequire:     policy.AUTHRequire,
		RoutingTag:      policy.RoutingTag,
		TLSConfig:       policy.TLSConfig,
		LocalHostname:   hostname,
		MaxMail:         limits.MaxMail,
		MaxRecipients:   limits.MaxRecipients,
		MaxMessageSize:  limits.MaxMessageSize,
		LineMax:         limits.LineMax,
		KickThreshold:   limits.KickThreshold,
	}
	if listenerRef.LineMax <= 0 {
		listenerRef.LineMax = 1024
	}
	if listenerRef.KickThreshold <= 0 {
		listenerRef.KickThreshold = 50
	}

	sess := NewSession(id, listenerRef, conn.RemoteAddr().String(), logger)
	defer func() {
		registry.RemoveSession(id)
		// Best-effort rollback of a live envelope/spool on any terminal
		// disposal path the normal DATA/QUIT flow didn't already clean up
		// (timeout, disconnect, I/O error, kick).
		if sp := sess.Spool(); sp != nil {
			sess.ClearSpool()
			if collab.Queue != nil {
				_ = collab.Queue.Discard(context.Background(), sess.Envelope())
			} else {
				_ = sp.Close()
			}
		}
		if sp := sess.QueuedSpool(); sp != nil {
			sess.ClearQueuedSpool()
			if collab.Queue != nil {
				_ = collab.Queue.Discard(context.Background(), sess.Envelope())
			} else {
				_ = sp.Close()
			}
		}
	}()

	framer := NewFramer(conn.Reader(), listenerRef.LineMax)

	logger.Info("smtp session accepted",
		slog.Uint64("session_id", id),
		slog.String("peer", sess.Envelope().PeerAddr),
		slog.Bool("tls", sess.TLSActive()),
	)

	// peer_hostname defaults to the sentinel and is only overwritten on a
	// successful lookup; a missing Resolver, a lookup error, and a lookup
	// timeout are all "unresolved" per spec section 3.
	sess.Envelope().PeerHostname = unknownPeerHostname

	// PTR lookup: resolved asynchronously but awaited inline here,
	// since a goroutine-per-connection model has nothing more useful to do
	// while waiting than block.
	if collab.Resolver != nil {
		registry.Insert(KindPTR, id, sess)
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ch := collab.Resolver.LookupPTR(lookupCtx, id, sess.Envelope().PeerAddr)
		select {
		case res := <-ch:
			if res.Err == nil && res.Hostname != "" {
				sess.Envelope().PeerHostname = res.Hostname
			}
		case <-lookupCtx.Done():
		}
		cancel()
		registry.Remove(KindPTR, id)
	}
	sess.SetState(StateConnected)

	if collab.Filter != nil {
		registry.Insert(KindFilterConnect, id, sess)
		res := collab.Filter.Connect(ctx, sess.Envelope())
		registry.Remove(KindFilterConnect, id)
		if res.Decision == FilterPermFail {
			writeReply(conn, sess, logger, NewReply(res.Code, res.Enhanced, res.Text))
			return
		}
	}

	greeting := NewReply(220, "", fmt.Sprintf("%s ESMTP ready", hostname))
	if !writeReply(conn, sess, logger, greeting) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if conn.IsClosed() {
			return
		}
		if err := conn.SetCommandTimeout(); err != nil {
			return
		}

		line, err := framer.ReadLine()
		if err != nil {
			if err == ErrLineTooLong {
				writeReply(conn, sess, logger, NewReply(500, "5.2.3", "Line too long"))
				return
			}
			if err != io.EOF {
				logger.Debug("read error", slog.Uint64("session_id", id), slog.String("error", err.Error()))
			}
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			return
		}

		// Pipelining check: outside BODY, any bytes already buffered ahead
		// of the line we just consumed indicate the client sent more before
		// seeing our reply, which this engine does not support.
		if sess.State() != StateBody && framer.Buffered() > 0 {
			writeReply(conn, sess, logger, NewReply(500, "5.5.0", "Pipelining not supported"))
			return
		}

		sess.SetCommandBuffer(line)

		// kick_count is bumped once per decoded command line or SASL
		// sub-line, before any dispatch, and disposes immediately on
		// reaching the threshold; body lines never touch it.
		if sess.State() != StateBody {
			if sess.IncrementKick() {
				disposeKicked(conn, sess, logger, collector)
				return
			}
		}

		if sess.IsSASLInProgress() {
			if !handleSASLLine(sess, conn, logger, collector, line) {
				return
			}
			continue
		}

		if sess.State() == StateBody {
			if !handleDataLine(ctx, conn, sess, logger, collector, collab, registry, line) {
				return
			}
			continue
		}

		cmd := ParseCommand(line)
		collector.CommandProcessed(cmd.Verb.String())

		if !allowedInPhase(sess.Phase(), cmd.Verb) {
			writeReply(conn, sess, logger, NewReply(503, "5.5.1", "Command out of sequence"))
			continue
		}

		if !dispatch(ctx, conn, sess, logger, collector, collab, registry, cmd, &framer) {
			return
		}
	}
}

func writeReply(conn *server.Connection, sess *Session, logger *slog.Logger, r Reply) bool {
	buf, err := r.Format(sess.Listener().LineMax)
	if err != nil {
		logger.Error("reply formatting failed", slog.Uint64("session_id", sess.ID()), slog.String("error", err.Error()))
		return false
	}
	LogReply(logger, sess.ID(), sess.CommandBuffer(), r)
	if _, err := conn.Writer().Write(buf); err != nil {
		return false
	}
	return conn.Flush() == nil
}

func disposeKicked(conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector) {
	collector.Kick()
	writeReply(conn, sess, logger, NewReply(421, "4.7.0", "Too many errors, closing connection"))
}

// handleSASLLine feeds one line into the in-progress SASL exchange.
func handleSASLLine(sess *Session, conn *server.Connection, logger *slog.Logger, collector metrics.Collector, line string) bool {
	if line == "*" {
		sess.ClearSASL()
		sess.ZeroPassword()
		sess.SetState(StateHELO)
		return writeReply(conn, sess, logger, NewReply(501, "5.0.0", "Authentication cancelled"))
	}
	resp, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		sess.SetState(StateHELO)
		return writeReply(conn, sess, logger, NewReply(501, "5.5.2", "Invalid base64 encoding"))
	}
	challenge, done, err := sess.SASLServer().Next(resp)
	if err != nil {
		sess.ClearSASL()
		sess.ZeroPassword()
		sess.SetState(StateHELO)
		var rejected *rejectedError
		if !errors.As(err, &rejected) {
			return writeReply(conn, sess, logger, NewReply(501, "5.5.2", "Syntax error"))
		}
		collector.AuthAttempt(authDomain(sess.Username()), false)
		return writeReply(conn, sess, logger, NewReply(535, "5.7.8", "Authentication credentials invalid"))
	}
	if done {
		collector.AuthAttempt(authDomain(sess.Username()), true)
		sess.ClearSASL()
		sess.ZeroPassword()
		sess.SetFlag(FlagAuthenticated)
		sess.ResetKick()
		sess.SetState(StateHELO)
		return writeReply(conn, sess, logger, NewReply(235, "2.7.0", "Authentication successful"))
	}
	return writeReply(conn, sess, logger, NewReply(334, "", EncodeSASLChallenge(challenge)))
}

func authDomain(username string) string {
	if i := strings.LastIndexByte(username, '@'); i >= 0 {
		return username[i+1:]
	}
	return "unknown"
}

// handleDataLine ingests one line of a DATA-phase body. When the filter
// subscribes to DATALINE events (spec section 4.5), every line — including
// the terminating "." — is forwarded to it first and only the lines it
// replays back are written to the spool; absent that subscription, the
// locally dot-unstuffed and 8BIT-masked line is written directly.
func handleDataLine(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, registry *Registry, line string) bool {
	raw := []byte(line)
	isEOD := IsEndOfData(raw)
	if isEOD {
		sess.SetFlag(FlagClientSawEOD)
	}

	if dlf, ok := dataLineFilterFor(collab.Filter); ok {
		// The terminating "." is a control marker, not data: forward it
		// verbatim rather than running it through dot-unstuffing (which
		// would turn "." into an empty line) or 8BIT masking.
		forwarded := raw
		if !isEOD {
			forwarded = UnstuffLine(raw)
			if !sess.TransactionAllow8Bit() {
				forwarded = Mask8Bit(forwarded)
			}
		}
		replayed, eod, err := dlf.Line(ctx, sess.Envelope(), forwarded, isEOD)
		if err != nil {
			sess.SetDeliveryStatus(StatusTempFailure)
		} else {
			for _, l := range replayed {
				writeBodyLine(sess, l)
			}
			if eod {
				sess.SetFlag(FlagFilterSawEOD)
			}
		}
	} else if !isEOD {
		unstuffed := UnstuffLine(raw)
		if !sess.TransactionAllow8Bit() {
			unstuffed = Mask8Bit(unstuffed)
		}
		writeBodyLine(sess, unstuffed)
	}

	if sess.HasFlag(FlagClientSawEOD) && sess.HasFlag(FlagFilterSawEOD) {
		return finishBody(ctx, conn, sess, logger, collector, collab, registry)
	}
	return true
}

// writeBodyLine appends one already dot-unstuffed, already-masked line plus
// a single LF to the session's spool, applying the message-size guard and
// recording TEMPFAILURE/PERMFAILURE on the session's delivery status.
func writeBodyLine(sess *Session, line []byte) {
	buf := append(append([]byte{}, line...), '\n')

	if sess.Listener().MaxMessageSize > 0 && sess.DataBytes()+int64(len(buf)) > sess.Listener().MaxMessageSize {
		sess.SetDeliveryStatus(StatusPermFailure)
		return
	}

	w := sess.Spool()
	if w == nil {
		sess.SetDeliveryStatus(StatusTempFailure)
		return
	}
	n, err := w.Write(buf)
	if err != nil || n != len(buf) {
		sess.SetDeliveryStatus(StatusTempFailure)
		return
	}
	sess.AddDataBytes(int64(n))
}

func finishBody(ctx context.Context, conn *server.Connection, sess *Session, logger *slog.Logger, collector metrics.Collector, collab Collaborators, registry *Registry) bool {
	w := sess.Spool()
	sess.ClearSpool()
	registry.Remove(KindFilterDATA, sess.ID())

	status := sess.DeliveryStatus()
	switch {
	case status&StatusPermFailure != 0:
		if collab.Queue != nil {
			_ = collab.Queue.Discard(ctx, sess.Envelope())
		} else if w != nil {
			_ = w.Close()
		}
		sess.ResetDeliveryStatus()
		sess.ResetDataBytes()
		sess.Reset()
		collector.MessageRejected(sess.Listener().RoutingTag, "size")
		return writeReply(conn, sess, logger, NewReply(554, "5.3.4", "Message too big"))

	case status&StatusTempFailure != 0:
		if collab.Queue != nil {
			_ = collab.Queue.Discard(ctx, sess.Envelope())
		} else if w != nil {
			_ = w.Close()
		}
		collector.Tempfail()
		writeReply(conn, sess, logger, NewReply(421, "4.3.0", "Temporary failure, closing connection"))
		return false
	}

	if w == nil || collab.Queue == nil {
		sess.ResetDataBytes()
		sess.Reset()
		collector.Tempfail()
		return writeReply(conn, sess, logger, NewReply(451, "4.3.0", "Temporary failure"))
	}

	registry.Insert(KindQueueCommit, sess.ID(), sess)
	_, seekErr := w.Seek(0, io.SeekStart)
	var commitErr error
	if seekErr == nil {
		commitErr = collab.Queue.Commit(ctx, sess.Envelope(), w)
	} else {
		commitErr = seekErr
		_ = collab.Queue.Discard(ctx, sess.Envelope())
	}
	registry.Remove(KindQueueCommit, sess.ID())

	sess.ResetDataBytes()
	sess.ResetDeliveryStatus()

	if commitErr != nil {
		_ = collab.Queue.Discard(ctx, sess.Envelope())
		sess.Reset()
		collector.Tempfail()
		writeReply(conn, sess, logger, NewReply(421, "4.3.0", "Temporary failure, closing connection"))
		return false
	}

	msgid := sess.Envelope().ID
	sess.IncrementMail()
	sess.ResetKick()
	collector.MessageAccepted(sess.Listener().RoutingTag, sess.DataBytes())
	sess.Reset()
	return writeReply(conn, sess, logger, NewReply(250, "2.0.0", fmt.Sprintf("%s Message accepted for delivery", msgid)))
}
