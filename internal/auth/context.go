// ABOUTME: Request context helpers carrying the authenticated identity
// ABOUTME: Also extracts bearer tokens from headers or the token query parameter

package auth

import (
	"context"
	"net/http"
	"strings"
)

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// BearerToken extracts a token from the Authorization header, falling back to
// the "token" query parameter (browsers cannot set headers on WebSocket
// upgrades). Returns "" when neither is present.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}
