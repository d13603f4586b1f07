package response

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stemsi/exroom-backend/internal/service"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"
	ErrBanned    ErrCode = "BANNED_FROM_ROOM"
	ErrKicked    ErrCode = "KICKED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownEvent   ErrCode = "UNKNOWN_EVENT"

	// ─── Rooms ─────────────────────────────────────────────────────────
	ErrNotFound     ErrCode = "NOT_FOUND"
	ErrInvalidState ErrCode = "INVALID_STATE"
	ErrRoomFull     ErrCode = "ROOM_FULL"
	ErrConflict     ErrCode = "CONFLICT"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInfrastructure ErrCode = "INFRASTRUCTURE_FAILURE"
	ErrInternal       ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	case ErrForbidden:
		return "You are not allowed to do this."
	case ErrBanned:
		return "You have been banned from this room."
	case ErrKicked:
		return "You were removed from this room."

	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "Request payload is invalid."
	case ErrUnknownEvent:
		return "Unknown event."

	case ErrNotFound:
		return "Resource not found."
	case ErrInvalidState:
		return "The room or submission is not in a state that allows this."
	case ErrRoomFull:
		return "The room is full."
	case ErrConflict:
		return "The room is owned by another teacher."

	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	case ErrInfrastructure:
		return "A backing service is unavailable. Please retry."
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}

// FromError maps a service error to an HTTP status, a code and a message
// safe to show to clients. Infrastructure details never leave the server.
func FromError(err error) (int, ErrCode, string) {
	code, status := ErrInternal, http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInfrastructure):
		return http.StatusServiceUnavailable, ErrInfrastructure, GetMessage(ErrInfrastructure)
	case errors.Is(err, service.ErrBanned):
		code, status = ErrBanned, http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		if what := detail(err, ErrNotFound); what != GetMessage(ErrNotFound) {
			return http.StatusNotFound, ErrNotFound, what + " not found."
		}
		return http.StatusNotFound, ErrNotFound, GetMessage(ErrNotFound)
	case errors.Is(err, service.ErrForbidden):
		code, status = ErrForbidden, http.StatusForbidden
	case errors.Is(err, service.ErrInvalidState):
		code, status = ErrInvalidState, http.StatusConflict
	case errors.Is(err, service.ErrCapacityExceeded):
		code, status = ErrRoomFull, http.StatusConflict
	case errors.Is(err, service.ErrConflict):
		code, status = ErrConflict, http.StatusConflict
	case errors.Is(err, service.ErrValidation):
		code, status = ErrValidation, http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidToken):
		code, status = ErrTokenInvalid, http.StatusUnauthorized
	default:
		return status, code, GetMessage(code)
	}
	return status, code, detail(err, code)
}

// detail returns the message of err, capitalised, or the generic message
// for code when err carries nothing beyond its sentinel.
func detail(err error, code ErrCode) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	} else {
		return GetMessage(code)
	}
	if msg == "" {
		return GetMessage(code)
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
