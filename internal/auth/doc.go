// Package auth authenticates desk users.
//
// Agents, supervisors, bots and backend services present an HS256 JWT signed
// with the configured auth.jwt_secret. The "sub" claim is the user id, "role"
// one of agent/supervisor/bot/service and "name" an optional display name:
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate(auth.Identity{UserID: "agent-7", Role: auth.RoleAgent}, 24*time.Hour)
//	id, err := v.Verify(token)
//
// The gateway resolves the identity once per request or WebSocket upgrade and
// carries it with WithIdentity/FromContext.
package auth
