package smtp

import (
	"context"

	"github.com/infodancer/auth/domain"
)

// FilterDecision is the verdict one filter collaborator returns for a single
// protocol event.
type FilterDecision int

const (
	FilterAccept FilterDecision = iota
	FilterTempFail
	FilterPermFail
)

// FilterResult carries a decision plus the reply text/enhanced code it
// should produce, so the handler need not re-derive wording per phase.
type FilterResult struct {
	Decision FilterDecision
	Code     int
	Enhanced string
	Text     string
}

func accept() FilterResult { return FilterResult{Decision: FilterAccept} }

func permFail(code int, enhanced, text string) FilterResult {
	return FilterResult{Decision: FilterPermFail, Code: code, Enhanced: enhanced, Text: text}
}

// Filter evaluates CONNECT/HELO/MAIL/RCPT/DATA filter events. The reference
// architecture dispatches these as asynchronous
// collaborator messages through FilterConnect/FilterHELO/... registry
// entries; this adapter resolves them synchronously against the domain
// routing table, in keeping with the session engine's goroutine-per-
// connection model. Only the Connect and RCPT calls are bookkept in the
// Registry under their RequestKind; the HELO and MAIL calls are not, and
// the engine never calls DATA.
type Filter interface {
	Connect(ctx context.Context, env *Envelope) FilterResult
	HELO(ctx context.Context, env *Envelope) FilterResult
	MAIL(ctx context.Context, env *Envelope) FilterResult
	RCPT(ctx context.Context, env *Envelope, recipient string) FilterResult
	DATA(ctx context.Context, env *Envelope) FilterResult
}

// DomainFilter is the default Filter, built on the same routing table
// (domain.DomainProvider) used for POP3 mailbox lookup: here it validates
// RCPT TO domains and local parts instead of looking up a POP3 mailbox
// owner.
type DomainFilter struct {
	domains domain.DomainProvider
}

// NewDomainFilter builds a Filter backed by a domain routing table. domains
// may be nil, in which case RCPT is accepted unconditionally (open relay
// behavior suitable only for closed testing setups).
func NewDomainFilter(domains domain.DomainProvider) *DomainFilter {
	return &DomainFilter{domains: domains}
}

func (f *DomainFilter) Connect(ctx context.Context, env *Envelope) FilterResult { return accept() }
func (f *DomainFilter) HELO(ctx context.Context, env *Envelope) FilterResult    { return accept() }
func (f *DomainFilter) MAIL(ctx context.Context, env *Envelope) FilterResult    { return accept() }
func (f *DomainFilter) DATA(ctx context.Context, env *Envelope) FilterResult    { return accept() }

// RCPT rejects unknown domains and unknown local parts with 550, matching
// msgstore's own no-such-mailbox disposition for POP3 lookups.
func (f *DomainFilter) RCPT(ctx context.Context, env *Envelope, recipient string) FilterResult {
	if f.domains == nil {
		return accept()
	}
	local, host, ok := splitAddr(recipient)
	if !ok {
		return permFail(553, "5.1.3", "Bad recipient address syntax")
	}
	d := f.domains.GetDomain(host)
	if d == nil {
		return permFail(550, "5.1.2", "Relay access denied")
	}
	if !d.HasUser(local) {
		return permFail(550, "5.1.1", "User unknown")
	}
	return accept()
}

// DataLineFilter optionally inspects, rewrites, and replays each body line
// as it is ingested, per spec section 4.5's FilterDATALINE/
// FilterDATALINEReply exchange: the filter may hold lines back, rewrite
// them, or emit none at all, and signals the body's true end by returning
// eod once it has seen (and, possibly, replayed) the client's terminating
// ".". The default session engine does not subscribe any session to
// DATALINE; this interface exists so a deployment-specific content filter
// can be wired in without changing the ingestion loop.
type DataLineFilter interface {
	// Line forwards one dot-unstuffed line to the filter, 8BIT-masked when
	// the transaction does not allow 8-bit data. isEOD reports whether line
	// was the client's terminating ".", which is forwarded verbatim.
	// replayed is exactly what the session writes to the spool, in order;
	// eod reports whether the filter's own end-of-data marker accompanied
	// this reply, setting FILTER_SAW_EOD.
	Line(ctx context.Context, env *Envelope, line []byte, isEOD bool) (replayed [][]byte, eod bool, err error)
}

// dataLineFilterFor type-asserts f against DataLineFilter, reporting
// whether the configured filter subscribes to per-line DATALINE events.
func dataLineFilterFor(f Filter) (DataLineFilter, bool) {
	if f == nil {
		return nil, false
	}
	dlf, ok := f.(DataLineFilter)
	return dlf, ok
}
