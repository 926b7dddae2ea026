// Package authcontext carries an already-validated caller identity through a
// request's context.Context. Validating that identity — token verification,
// OIDC, mTLS, whatever the deployment requires — is the job of incoming
// auth middleware sitting in front of the gateway; this package only holds
// the result of that validation so downstream code (audit logging,
// outgoing-auth header injection) can read it without re-deriving it.
package authcontext

import "context"

// Identity is the caller attached to a request by upstream auth middleware.
type Identity struct {
	Subject string            // stable caller identifier (subject claim, API key id, ...)
	Name    string            // human-readable display name, if known
	Claims  map[string]string // additional claims the middleware chose to surface
}

type contextKey struct{}

// WithIdentity returns a context carrying id, for middleware to attach the
// validated caller before handing the request to the gateway.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the Identity attached to ctx, and whether one was
// present. Absence means either anonymous access is configured or no auth
// middleware ran, not an error in its own right.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
