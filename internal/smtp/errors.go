package smtp

import "errors"

// Protocol-level sentinel errors.
var (
	// ErrLineTooLong is returned by the line framer when a line, including
	// its terminator, reaches SMTP_LINE_MAX.
	ErrLineTooLong = errors.New("smtp: line too long")

	// ErrPipelining is returned when residual bytes follow a command line
	// outside state BODY.
	ErrPipelining = errors.New("smtp: pipelining not supported")

	// ErrOutOfPhase is returned when a command is not legal in the
	// session's current phase.
	ErrOutOfPhase = errors.New("smtp: command out of sequence")

	// ErrKicked marks disposal for lack of forward progress.
	ErrKicked = errors.New("smtp: kicked for lack of progress")

	// ErrUnknownCommand is returned for an unrecognized verb.
	ErrUnknownCommand = errors.New("smtp: command unrecognized")

	// ErrBadSyntax covers malformed arguments: addresses, SASL payloads,
	// ESMTP MAIL parameters.
	ErrBadSyntax = errors.New("smtp: syntax error")

	// ErrTLSRequired is returned when STARTTLS_REQUIRE forbids a command
	// before TLS is active.
	ErrTLSRequired = errors.New("smtp: must issue a STARTTLS command first")

	// ErrAuthRequired is returned when AUTH_REQUIRE forbids a command
	// before authentication.
	ErrAuthRequired = errors.New("smtp: authentication required")

	// ErrNoRecipients is returned by DATA when rcpt_count is zero.
	ErrNoRecipients = errors.New("smtp: no recipient specified")
)

// FatalError marks an internal invariant violation. Reply.Format is its
// only producer, returning it for a formatted reply that exceeds the line
// cap. The reply writer logs it and ends the session; the process keeps
// running, and nothing in cmd/smtpd inspects this type.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "smtp: fatal: " + e.Reason
}
