// Package auth verifies bearer tokens and enforces scopes.
//
// Tokens are issued by an external identity provider; the container only
// verifies them (HS256 shared secret, RS256 PEM key, or RS256 via JWKS).
//
// Roles:
//   - clinician: reads telemetry, commands the device, edits plans
//   - patient: reads telemetry and its own plan
package auth
