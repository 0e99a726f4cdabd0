package smtp

import (
	"context"
	"net"
)

// PTRResult is the outcome of an asynchronous reverse-DNS lookup.
type PTRResult struct {
	SessionID uint64
	Hostname  string // "" when the lookup failed or returned nothing
	Err       error
}

// Resolver performs reverse-DNS lookups out of line from the session's own
// goroutine, delivering the result on a channel — the one collaborator kept
// genuinely asynchronous rather than folded into synchronous in-process
// calls, since net.Resolver.LookupAddr is the one collaborator operation
// that can legitimately stall on an unrelated network round trip.
type Resolver interface {
	// LookupPTR starts a lookup for addr and returns a channel that receives
	// exactly one PTRResult. The lookup is canceled if ctx is canceled
	// before it completes.
	LookupPTR(ctx context.Context, sessionID uint64, addr string) <-chan PTRResult
}

// NetResolver is the default Resolver, backed by net.Resolver.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver returns a Resolver using the system resolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver}
}

func (r *NetResolver) LookupPTR(ctx context.Context, sessionID uint64, addr string) <-chan PTRResult {
	ch := make(chan PTRResult, 1)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	go func() {
		names, err := r.resolver.LookupAddr(ctx, host)
		if err != nil || len(names) == 0 {
			ch <- PTRResult{SessionID: sessionID, Err: err}
			return
		}
		name := names[0]
		if len(name) > 0 && name[len(name)-1] == '.' {
			name = name[:len(name)-1]
		}
		ch <- PTRResult{SessionID: sessionID, Hostname: name}
	}()
	return ch
}
