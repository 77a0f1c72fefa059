// ABOUTME: JWT token verification for authenticating staff and widget visitors
// ABOUTME: Uses HS256 signing with a configurable secret of at least MinSecretLength bytes

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HS256 secret accepted by NewJWTVerifier.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// claims is the wire form of an Identity. The subject carries the account id.
type claims struct {
	Name           string `json:"name,omitempty"`
	OrganizationID string `json:"org,omitempty"`
	Role           Role   `json:"role,omitempty"`
	Kind           Kind   `json:"kind,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns the identity it carries.
// Tokens without a role default to staff; tokens without a kind default to staff.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	id := &Identity{
		AccountID:      c.Subject,
		OrganizationID: c.OrganizationID,
		Name:           c.Name,
		Role:           c.Role,
		Kind:           c.Kind,
	}
	if id.Kind == "" {
		id.Kind = KindStaff
	}
	if id.Role == "" {
		id.Role = RoleStaff
	}
	if !id.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, id.Kind)
	}
	if !id.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, id.Role)
	}
	return id, nil
}

// Generate creates a signed token for the identity that expires after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	if id.AccountID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	c := claims{
		Name:           id.Name,
		OrganizationID: id.OrganizationID,
		Role:           id.Role,
		Kind:           id.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
