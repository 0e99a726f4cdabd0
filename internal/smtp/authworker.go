package smtp

import (
	"context"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
)

// AuthBackend authenticates a SASL identity against the configured
// credential store, satisfying the Auth request kind. Unlike
// Filter/Queue, credentials never outlive the call: the session zeros its
// scratch password field immediately after AuthFunc returns, regardless of
// outcome.
type AuthBackend interface {
	Authenticate(ctx context.Context, username, password string) (*auth.AuthSession, error)
}

// AuthRouterBackend adapts a domain.AuthRouter, the same domain-aware
// routing table used for POP3 USER/PASS and AUTH PLAIN, to AuthBackend.
type AuthRouterBackend struct {
	router *domain.AuthRouter
}

// NewAuthRouterBackend wraps router as an AuthBackend.
func NewAuthRouterBackend(router *domain.AuthRouter) *AuthRouterBackend {
	return &AuthRouterBackend{router: router}
}

func (a *AuthRouterBackend) Authenticate(ctx context.Context, username, password string) (*auth.AuthSession, error) {
	return a.router.Authenticate(ctx, username, password)
}

// rejectedError distinguishes a genuine credential rejection from the
// backend (535 Authentication failed) from the structural/syntax errors
// NewPlainServer/NewLoginServer's own validation returns (501 Syntax
// error), per spec section 4.4's "any decoding or structural failure
// replies 501" versus a real authentication outcome.
type rejectedError struct{ err error }

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// authFuncFor adapts an AuthBackend into the sasl.go AuthFunc shape, binding
// the command's own context rather than a fresh background one, so a
// canceled connection aborts an in-flight authentication call. Failures are
// logged by the caller at the 535 reply site so every AUTH failure is
// logged exactly once regardless of mechanism.
func authFuncFor(ctx context.Context, backend AuthBackend) AuthFunc {
	return func(authzid, authcid, password string) error {
		if _, err := backend.Authenticate(ctx, authcid, password); err != nil {
			return &rejectedError{err}
		}
		return nil
	}
}
