package middleware

import (
	"context"

	"github.com/tutorchat/internal/model"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	RolesKey  contextKey = "roles"
)

// GetUserID returns the authenticated user id from the context
// (set by BearerAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetRoles returns the authenticated user's roles from the context.
func GetRoles(ctx context.Context) []model.Role {
	v, _ := ctx.Value(RolesKey).([]model.Role)
	return v
}
