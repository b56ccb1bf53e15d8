package model

import (
	"strings"
	"time"
)

// Role is a platform role a user may hold. A user carries zero or more roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleTutor Role = "tutor"
	RoleAdmin Role = "admin"
)

// NormalizeRole maps external role spellings to the canonical set.
// "student" is a legacy alias for "user". Unknown roles return ok=false.
func NormalizeRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "student":
		return RoleUser, true
	case "tutor":
		return RoleTutor, true
	case "admin":
		return RoleAdmin, true
	default:
		return "", false
	}
}

// HasRole reports whether roles contains r.
func HasRole(roles []Role, r Role) bool {
	for _, have := range roles {
		if have == r {
			return true
		}
	}
	return false
}

// CanLogin reports whether a user holding roles may authenticate under the
// given entrypoint role. Admin accounts may only use the admin entrypoint;
// holding admin excludes the tutor and user entrypoints regardless of the
// other roles held.
func CanLogin(roles []Role, entrypoint Role) bool {
	if entrypoint == RoleAdmin {
		return HasRole(roles, RoleAdmin)
	}
	if HasRole(roles, RoleAdmin) {
		return false
	}
	return HasRole(roles, entrypoint)
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []Role    `json:"roles"`
	AvatarURL    string    `json:"avatar_url"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	IsOnline     bool      `json:"is_online"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserPublic is the profile shape sent to other participants.
type UserPublic struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Roles      []Role    `json:"roles"`
	AvatarURL  string    `json:"avatar_url"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		Username:   u.Username,
		Roles:      u.Roles,
		AvatarURL:  u.AvatarURL,
		IsOnline:   u.IsOnline,
		LastSeenAt: u.LastSeenAt,
	}
}
