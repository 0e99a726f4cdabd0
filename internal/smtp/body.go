package smtp

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// UnstuffLine removes one leading dot from a DATA-phase line per RFC 5321
// transparency rule: a line beginning with "." that is not itself
// the end-of-data marker has exactly one "." stripped before storage.
func UnstuffLine(line []byte) []byte {
	if len(line) > 0 && line[0] == '.' {
		return line[1:]
	}
	return line
}

// IsEndOfData reports whether line (already stripped of its CRLF by the
// Framer) is the bare "." end-of-data marker.
func IsEndOfData(line []byte) bool {
	return len(line) == 1 && line[0] == '.'
}

// Mask8Bit implements the BODY=7BIT downgrade: every byte with its high bit
// set has that bit cleared, for sessions where MAIL FROM declared 7BIT or
// omitted BODY= entirely against an 8BITMIME-incapable delivery path (
// scenario "8BIT downgrade").
func Mask8Bit(line []byte) []byte {
	out := make([]byte, len(line))
	for i, b := range line {
		out[i] = b &^ 0x80
	}
	return out
}

// ReceivedHeader renders the trace header prepended to every accepted
// message, bit-exact with original_source/smtpd/smtp_session.c:392-411:
//
//	Received: from <helo> (<ptr-name-or-"<unknown>"> [<addr>]);
//		by <localHostname> (smtpd) with <E>SMTP id <msgid>;
//		TLS version=<ver> cipher=<name> bits=<n>;      (only if TLS active)
//		for <sole-recipient>;                           (only if rcptcount == 1)
//		<date>
//
// The line endings are bare "\n", matching the original's local-spool
// convention rather than the wire protocol's CRLF.
func ReceivedHeader(env *Envelope, tlsState *tls.ConnectionState, localHostname string, ehloUsed bool, msgid string, now time.Time) string {
	var b strings.Builder
	esmtp := ""
	if ehloUsed {
		esmtp = "E"
	}
	fmt.Fprintf(&b, "Received: from %s (%s [%s]);\n", heloOrUnknown(env), ptrHostname(env), addrOnly(env.PeerAddr))
	fmt.Fprintf(&b, "\tby %s (smtpd) with %sSMTP id %s;\n", localHostname, esmtp, msgid)
	if tlsState != nil {
		fmt.Fprintf(&b, "\tTLS version=%s cipher=%s bits=%d;\n",
			tlsVersionName(tlsState.Version), tls.CipherSuiteName(tlsState.CipherSuite), tlsCipherBits(tlsState.CipherSuite))
	}
	if len(env.Recipients) == 1 {
		fmt.Fprintf(&b, "\tfor <%s>;\n", env.Recipients[0])
	}
	fmt.Fprintf(&b, "\t%s\n", now.Format(time.RFC1123Z))
	return b.String()
}

func heloOrUnknown(env *Envelope) string {
	if env.HELO == "" {
		return "unknown"
	}
	return env.HELO
}

// unknownPeerHostname is the sentinel recorded when the reverse-DNS lookup
// for a session's peer address was never attempted, timed out, or failed,
// matching original_source/smtpd/smtp_session.c:249's literal "<unknown>".
const unknownPeerHostname = "<unknown>"

// ptrHostname returns the PTR name slot for the Received header. It never
// substitutes the peer's bracketed address here — that slot is rendered
// separately by addrOnly — so a failed lookup reads as "<unknown>", not as
// the address duplicated into the name position.
func ptrHostname(env *Envelope) string {
	if env.PeerHostname != "" {
		return env.PeerHostname
	}
	return unknownPeerHostname
}

func addrOnly(peerAddr string) string {
	if i := strings.LastIndexByte(peerAddr, ':'); i > 0 && !strings.Contains(peerAddr[i+1:], "]") {
		return peerAddr[:i]
	}
	return peerAddr
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "unknown"
	}
}

// tlsCipherBits returns the effective key size advertised in the Received
// trace header, matching the values OpenSSL reports for each suite family.
func tlsCipherBits(suite uint16) int {
	name := tls.CipherSuiteName(suite)
	switch {
	case strings.Contains(name, "AES_256"):
		return 256
	case strings.Contains(name, "AES_128"):
		return 128
	case strings.Contains(name, "CHACHA20"):
		return 256
	default:
		return 128
	}
}
