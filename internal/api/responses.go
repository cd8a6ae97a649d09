// responses.go -- Package-wide HTTP response helpers.
//
// Every error body is {"code": ..., "message": ...}. Internal failures never
// expose their cause; it is logged instead.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
)

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, messageBody{Message: message})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_input", Message: message})
}

// Forbidden returns a 403 JSON response with a generic message.
func Forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorBody{Code: "forbidden", Message: "forbidden"})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: "not found"})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k auth.Kind) int {
	switch k {
	case auth.KindInvalidInput:
		return http.StatusBadRequest
	case auth.KindUnauthenticated, auth.KindInvalidCredential:
		return http.StatusUnauthorized
	case auth.KindForbidden:
		return http.StatusForbidden
	case auth.KindNotFound:
		return http.StatusNotFound
	case auth.KindAlreadyInState, auth.KindConflict:
		return http.StatusConflict
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	case auth.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a core error. Rate-limit responses carry Retry-After in
// whole seconds, rounded up.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	switch kind {
	case auth.KindInternal:
		InternalServerError(w, r, err)
		return
	case auth.KindRateLimited:
		secs := int(math.Ceil(auth.RetryAfter(err).Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		logInfo(r, "request rate limited", "retry_after", secs)
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Code:       "rate_limited",
			Message:    "too many attempts, try again later",
			RetryAfter: secs,
		})
		return
	}

	body := errorBody{Code: kind.String(), Message: err.Error()}
	var ae *auth.Error
	if errors.As(err, &ae) {
		body.Code, body.Message = ae.Code, ae.Message
	}
	writeJSON(w, statusFor(kind), body)
}
