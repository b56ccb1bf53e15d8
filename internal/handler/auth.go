package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/tutorchat/internal/auth"
	"github.com/tutorchat/internal/logger"
	"github.com/tutorchat/internal/middleware"
	"github.com/tutorchat/internal/model"
	"github.com/tutorchat/internal/repository"
)

type AuthHandler struct {
	userRepo *repository.UserRepository
	authn    *auth.Authenticator
}

func NewAuthHandler(userRepo *repository.UserRepository, authn *auth.Authenticator) *AuthHandler {
	return &AuthHandler{userRepo: userRepo, authn: authn}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Role is the entrypoint the user is logging in through: "user",
	// "tutor" or "admin". Legacy clients may still send "student".
	Role string `json:"role"`
}

type loginResponse struct {
	Token string           `json:"token"`
	User  model.UserPublic `json:"user"`
}

// Login authenticates a username/password pair under an entrypoint role.
// Credential failures and entrypoint denials look identical to the caller.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	entrypoint, ok := model.NormalizeRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	user, err := h.userRepo.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logger.Errorf("login lookup %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.authn.Issue(r.Context(), user.ID, user.Roles, entrypoint)
	if err != nil {
		if errors.Is(err, auth.ErrEntrypointDenied) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logger.Errorf("login issue %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user.ToPublic()})
}

// Logout revokes the presented credential.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	credential := middleware.BearerCredential(r)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.authn.Revoke(r.Context(), credential); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		logger.Errorf("me lookup %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, user.ToPublic())
}
