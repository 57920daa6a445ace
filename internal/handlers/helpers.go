package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends the public code and message for err. Internal detail
// stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	code, msg := apperr.Public(err)
	writeJSON(w, statusFor(code), map[string]string{"code": string(code), "detail": msg})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidMessage:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeSessionNotFound:
		return http.StatusNotFound
	case apperr.CodeSessionPaused, apperr.CodeSuperseded:
		return http.StatusConflict
	case apperr.CodeSessionTerminated:
		return http.StatusGone
	case apperr.CodeShellUnavailable:
		return http.StatusUnprocessableEntity
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeShellWriteFailed, apperr.CodeSpawnFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
