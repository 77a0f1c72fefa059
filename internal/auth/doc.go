// Package auth provides authentication for switchboard's HTTP and socket surfaces.
//
// # Tokens
//
// Staff and widget visitors authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret (at least MinSecretLength bytes). The subject is
// the account id; custom claims carry the organization, display name, role and
// kind:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate(Identity{AccountID: "u1", Role: RoleStaff}, time.Hour)
//	id, err := verifier.Verify(token)
//
// Login itself happens elsewhere; this package only verifies and, for the
// widget lead flow and the token command, mints tokens.
//
// # Roles
//
//   - admin: may force-release any lock and force-logout accounts
//   - staff: may claim and release its own locks
//   - observer: reads without claiming; may force-release
//
// # Kinds
//
// Widget visitors carry Kind "widget" and an account id of the form
// "widget:<visitor>". HTTPAuthMiddleware rejects them on staff routes.
package auth
