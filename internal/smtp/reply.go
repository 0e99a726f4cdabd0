package smtp

import (
	"fmt"
	"log/slog"
	"strings"
)

// Reply is one SMTP reply, possibly multi-line. All lines but
// the last are continuation lines (`code-text`); the last uses `code text`.
type Reply struct {
	Code         int
	EnhancedCode string // e.g. "2.0.0"; empty when the reply carries none
	Lines        []string
}

// NewReply builds a single or multi-line reply. At least one line must be
// given; pass an empty string for a bare code.
func NewReply(code int, enhanced string, lines ...string) Reply {
	if len(lines) == 0 {
		lines = []string{""}
	}
	return Reply{Code: code, EnhancedCode: enhanced, Lines: lines}
}

// Format renders the reply as wire bytes, CRLF-terminated. maxLine is
// SMTP_LINE_MAX; a rendered line that would exceed maxLine-2 (leaving room
// for CRLF) is a fatal internal error, since the reply formatter
// must never itself violate the limit it enforces on input.
func (r Reply) Format(maxLine int) ([]byte, error) {
	var buf []byte
	budget := maxLine - 2
	for i, line := range r.Lines {
		sep := byte('-')
		if i == len(r.Lines)-1 {
			sep = ' '
		}
		text := line
		if r.EnhancedCode != "" {
			if text == "" {
				text = r.EnhancedCode
			} else {
				text = r.EnhancedCode + " " + text
			}
		}
		rendered := fmt.Sprintf("%d%c%s", r.Code, sep, text)
		if len(rendered) > budget {
			return nil, &FatalError{Reason: "formatted reply exceeds SMTP_LINE_MAX"}
		}
		buf = append(buf, rendered...)
		buf = append(buf, '\r', '\n')
	}
	return buf, nil
}

// IsError reports whether the reply's first digit is 4 or 5.
func (r Reply) IsError() bool {
	return r.Code/100 == 4 || r.Code/100 == 5
}

// LogReply emits a trace-level (Debug) log for every formatted reply, and
// additionally an Info-level structured log for 4xx/5xx replies carrying the
// offending command sanitized to C-style escapes, per spec section 4.2.
func LogReply(logger *slog.Logger, sessionID uint64, command string, r Reply) {
	logger.Debug("smtp reply sent",
		slog.Uint64("session_id", sessionID),
		slog.Int("code", r.Code),
		slog.String("text", strings.Join(r.Lines, " ")),
	)
	if !r.IsError() {
		return
	}
	logger.Info("smtp reply",
		slog.Uint64("session_id", sessionID),
		slog.String("command", EscapeControl(command)),
		slog.Int("code", r.Code),
		slog.String("text", strings.Join(r.Lines, " ")),
	)
}

// EscapeControl renders s with control characters, backslashes, and quotes
// escaped C-style, for safe inclusion in a structured log line.
func EscapeControl(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '"':
			b.WriteString(`\"`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
