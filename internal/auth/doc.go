// Package auth provides token verification for agent connections.
//
// Agents authenticate with HS256-signed JWTs carrying a "sub" claim
// (agent id) and a "tid" claim (tenant id). The gateway verifies the
// credential before the WebSocket upgrade; the REST surface verifies
// it per request via Middleware.
//
// The TokenVerifier interface is the identity-collaborator boundary:
// consumers depend on it, not on the JWT implementation, so tests can
// substitute a static verifier.
package auth
