package httpdto

import (
	"errors"
	"net/http"

	amora_errors "amora-realtime/pkg/errors"
)

// StatusFor maps a domain error to an HTTP status and response code.
func StatusFor(err error) (int, string) {
	var transport *amora_errors.TransportError
	switch {
	case errors.Is(err, amora_errors.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, amora_errors.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, amora_errors.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED"
	case errors.Is(err, amora_errors.ErrNotFound), errors.Is(err, amora_errors.ErrInvitationGone):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, amora_errors.ErrDeviceNotFound):
		return http.StatusUnprocessableEntity, "DEVICE_NOT_FOUND"
	case errors.Is(err, amora_errors.ErrCallInProgress),
		errors.Is(err, amora_errors.ErrCallBusy),
		errors.Is(err, amora_errors.ErrInvalidTransition),
		errors.Is(err, amora_errors.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, amora_errors.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, amora_errors.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.As(err, &transport):
		return http.StatusBadGateway, "TRANSPORT_FAILED"
	case amora_errors.IsPersistence(err):
		return http.StatusServiceUnavailable, "PERSISTENCE_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
