package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/storage/memory"
)

func newTestAuthenticator(ttl time.Duration) *Authenticator {
	return NewAuthenticator([]byte("test-secret"), ttl, memory.New())
}

func TestIssueAndValidate(t *testing.T) {
	a := newTestAuthenticator(time.Hour)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "u1", []model.Role{model.RoleUser}, model.RoleUser)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := a.Validate(ctx, tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("user id = %q, want u1", id.UserID)
	}
	if len(id.Roles) != 1 || id.Roles[0] != model.RoleUser {
		t.Errorf("roles = %v, want [user]", id.Roles)
	}
}

func TestIssueEntrypointDenied(t *testing.T) {
	a := newTestAuthenticator(time.Hour)
	ctx := context.Background()

	_, err := a.Issue(ctx, "u1", []model.Role{model.RoleAdmin, model.RoleTutor}, model.RoleTutor)
	if !errors.Is(err, ErrEntrypointDenied) {
		t.Fatalf("expected ErrEntrypointDenied for admin on tutor entrypoint, got %v", err)
	}
	if _, err := a.Issue(ctx, "u1", []model.Role{model.RoleAdmin, model.RoleTutor}, model.RoleAdmin); err != nil {
		t.Fatalf("admin entrypoint should be allowed: %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	a := newTestAuthenticator(time.Hour)
	if _, err := a.Validate(context.Background(), "not-a-token"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(time.Hour)
	tok, err := a.Issue(ctx, "u1", []model.Role{model.RoleUser}, model.RoleUser)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewAuthenticator([]byte("different-secret"), time.Hour, memory.New())
	if _, err := other.Validate(ctx, tok); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for wrong secret, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(time.Hour)
	tok, err := a.Issue(ctx, "u1", []model.Role{model.RoleTutor}, model.RoleTutor)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := a.Revoke(ctx, tok); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := a.Validate(ctx, tok); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential after revoke, got %v", err)
	}
}
