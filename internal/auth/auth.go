// Package auth issues and validates the JWTs that identify callers of the
// Darwin API.
//
// Callers are service principals (the spawner, the work tracker, the metrics
// reporter, dashboards) rather than worker agents. Each token names the
// principal and carries one model.Role. Tokens are signed with Ed25519
// (EdDSA). Keys can be loaded from PEM files or auto-generated for
// development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
)

const issuer = "darwin"

// ErrInvalidPrincipal is returned when a token is requested for a malformed
// principal name or an unknown role.
var ErrInvalidPrincipal = errors.New("auth: invalid principal")

var principalPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Claims extends jwt.RegisteredClaims with the caller's role. Subject holds
// the principal name.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
}

// Principal returns the caller's name.
func (c *Claims) Principal() string { return c.Subject }

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return newManager(priv, pub, expiration), nil
	}

	priv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	// A private key from one environment paired with another's public key
	// would issue tokens nobody can validate.
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	return newManager(priv, pub, expiration), nil
}

func newManager(priv ed25519.PrivateKey, pub ed25519.PublicKey, expiration time.Duration) *JWTManager {
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration, now: time.Now}
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return ed, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return ed, nil
}

// IssueToken creates a signed JWT for principal with the given role. A
// non-positive ttl uses the manager's default expiration.
func (m *JWTManager) IssueToken(principal string, role model.Role, ttl time.Duration) (string, time.Time, error) {
	if !principalPattern.MatchString(principal) {
		return "", time.Time{}, fmt.Errorf("%w: name %q", ErrInvalidPrincipal, principal)
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: role %q", ErrInvalidPrincipal, role)
	}
	if ttl <= 0 {
		ttl = m.expiration
	}
	now := m.now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if !principalPattern.MatchString(claims.Subject) {
		return nil, fmt.Errorf("auth: invalid subject %q", claims.Subject)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: invalid role %q", claims.Role)
	}
	return claims, nil
}

// Allows reports whether role may perform an action that requires one of
// allowed. Admin may do anything.
func Allows(role model.Role, allowed ...model.Role) bool {
	if role == model.RoleAdmin {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
