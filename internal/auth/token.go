// Package auth is the identity collaborator: it issues bearer credentials
// at login and validates them on the HTTP surface and the WebSocket
// handshake. The chat core treats the credential as opaque.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/storage"
)

// ErrInvalidCredential covers every rejection: malformed token, bad
// signature, expiry, revocation and unknown roles. Callers must not
// distinguish the causes to clients.
var ErrInvalidCredential = errors.New("invalid credential")

// ErrEntrypointDenied is returned when the requested login role is not
// permitted for the account (admin isolation included).
var ErrEntrypointDenied = errors.New("entrypoint denied")

const defaultTTL = 24 * time.Hour

// Identity is the authenticated principal attached to a request or
// connection after validation.
type Identity struct {
	UserID string
	Roles  []model.Role
}

type claims struct {
	Roles []string `json:"roles"`
	jwtlib.RegisteredClaims
}

// Authenticator signs HS256 tokens and records their jti in a TokenStore so
// logout can revoke a credential before it expires.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	store  storage.TokenStore
}

func NewAuthenticator(secret []byte, ttl time.Duration, store storage.TokenStore) *Authenticator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Authenticator{secret: secret, ttl: ttl, store: store}
}

// Issue creates a bearer credential for a user logging in under the given
// entrypoint role. The entrypoint is checked against the account's roles,
// including the admin-isolation rule.
func (a *Authenticator) Issue(ctx context.Context, userID string, roles []model.Role, entrypoint model.Role) (string, error) {
	if !model.CanLogin(roles, entrypoint) {
		return "", ErrEntrypointDenied
	}
	now := time.Now()
	jti := uuid.New().String()
	roleStrs := make([]string, len(roles))
	for i, r := range roles {
		roleStrs[i] = string(r)
	}
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims{
		Roles: roleStrs,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(a.ttl)),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth sign: %w", err)
	}
	if err := a.store.SaveToken(ctx, jti, userID, a.ttl); err != nil {
		return "", fmt.Errorf("auth save token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a credential and checks it has not been
// revoked. It returns ErrInvalidCredential on any failure.
func (a *Authenticator) Validate(ctx context.Context, credential string) (*Identity, error) {
	parsed, err := jwtlib.ParseWithClaims(credential, &claims{}, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" || c.ID == "" {
		return nil, ErrInvalidCredential
	}
	userID, err := a.store.GetTokenUser(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("auth token lookup: %w", err)
	}
	if userID == "" || userID != c.Subject {
		return nil, ErrInvalidCredential
	}
	roles := make([]model.Role, 0, len(c.Roles))
	for _, raw := range c.Roles {
		role, ok := model.NormalizeRole(raw)
		if !ok {
			return nil, ErrInvalidCredential
		}
		roles = append(roles, role)
	}
	return &Identity{UserID: c.Subject, Roles: roles}, nil
}

// Revoke invalidates a credential immediately (logout).
func (a *Authenticator) Revoke(ctx context.Context, credential string) error {
	parsed, _, err := jwtlib.NewParser().ParseUnverified(credential, &claims{})
	if err != nil {
		return ErrInvalidCredential
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.ID == "" {
		return ErrInvalidCredential
	}
	return a.store.RevokeToken(ctx, c.ID)
}
