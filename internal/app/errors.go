package app

import (
	"errors"
	"net/http"
	"time"

	"hexpulse/api/internal/apperr"
)

// retryAfterSeconds is advertised on retryable upstream failures.
const retryAfterSeconds = "5"

type errorResponse struct {
	status  int
	code    string
	message string
	// extra fields are merged into the top level of the body
	extra map[string]any
}

func mapError(err error) errorResponse {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return errorResponse{status: http.StatusInternalServerError, code: "SERVER_ERROR", message: "Server error"}
	}
	switch appErr.Kind {
	case apperr.KindValidation:
		return errorResponse{status: http.StatusBadRequest, code: "VALIDATION_ERROR", message: appErr.Message}
	case apperr.KindAuth:
		return errorResponse{status: http.StatusUnauthorized, code: "UNAUTHORIZED", message: appErr.Message}
	case apperr.KindNotFound:
		return errorResponse{status: http.StatusNotFound, code: "NOT_FOUND", message: appErr.Message}
	case apperr.KindRateLimited:
		extra := map[string]any{"reason": appErr.Reason}
		if appErr.LockedUntil != nil {
			extra["lockedUntil"] = appErr.LockedUntil.UTC().Format(time.RFC3339)
		}
		return errorResponse{status: http.StatusTooManyRequests, code: "RATE_LIMITED", message: appErr.Message, extra: extra}
	case apperr.KindUpstream:
		return errorResponse{
			status:  http.StatusInternalServerError,
			code:    "UPSTREAM_UNAVAILABLE",
			message: appErr.Message,
			extra:   map[string]any{"retryable": true},
		}
	default:
		return errorResponse{status: http.StatusInternalServerError, code: "SERVER_ERROR", message: "Server error"}
	}
}
