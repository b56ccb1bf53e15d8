// Package storage defines the token store behind the identity layer.
package storage

import (
	"context"
	"time"
)

// TokenStore records issued credential tokens by their jti so they can be
// revoked before expiry. Implementations: redis.Client, memory.Client
// (for -dev and tests, no Redis required).
type TokenStore interface {
	SaveToken(ctx context.Context, jti, userID string, ttl time.Duration) error
	// GetTokenUser returns the user id a jti was issued to, or "" when the
	// token is unknown, expired or revoked.
	GetTokenUser(ctx context.Context, jti string) (string, error)
	RevokeToken(ctx context.Context, jti string) error
	Close() error
}
