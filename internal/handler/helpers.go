package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tutorchat/internal/chat"
	"github.com/tutorchat/internal/logger"
	"github.com/tutorchat/internal/repository"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writePipelineError maps pipeline errors onto HTTP statuses. Internal
// errors are logged and reported as an opaque 500.
func writePipelineError(w http.ResponseWriter, err error, logCtx string) {
	var ve *chat.ValidationError
	switch {
	case errors.Is(err, chat.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "unable to complete action")
	case errors.Is(err, chat.ErrRoleBlocked):
		writeError(w, http.StatusForbidden, "the student opens the conversation")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Reason)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		logger.Errorf("%s: %v", logCtx, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func queryInt64(r *http.Request, key string, defaultVal int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
