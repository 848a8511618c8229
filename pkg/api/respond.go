package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// errorEnvelope is the wire form of every error response.
type errorEnvelope struct {
	ErrorCode         string         `json:"error_code"`
	Message           string         `json:"message"`
	Detail            map[string]any `json:"detail,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("encoding response body", "error", err)
	}
}

// writeError is the single place an error kind becomes a status code and
// envelope. Untyped errors render as INTERNAL_ERROR with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	envelope := errorEnvelope{
		ErrorCode:     errors.ErrInternal,
		Message:       "an internal error occurred",
		CorrelationID: middleware.GetReqID(r.Context()),
	}

	appErr, ok := errors.As(err)
	if !ok {
		logger.Errorw("unhandled internal error", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope)
		return
	}

	envelope.ErrorCode = appErr.Type
	envelope.Message = appErr.Message
	envelope.Detail = appErr.Detail
	if secs, ok := appErr.Detail["retry_after_seconds"].(int); ok {
		envelope.RetryAfterSeconds = secs
	}
	if appErr.Type == errors.ErrInternal {
		logger.Errorw("internal error", "path", r.URL.Path, "error", err)
		envelope.Message = "an internal error occurred"
		envelope.Detail = nil
	}

	writeJSON(w, statusForKind(appErr), envelope)
}

// statusForKind maps an error kind (plus the not_found detail flag) to the
// HTTP status.
func statusForKind(appErr *errors.Error) int {
	if _, notFound := appErr.Detail["not_found"]; notFound {
		return http.StatusNotFound
	}

	switch appErr.Type {
	case errors.ErrAuth, errors.ErrOAuthInvalidGrant:
		return http.StatusUnauthorized
	case errors.ErrScopeNotAllowed, errors.ErrEndpointNotAllowed, errors.ErrGatewayAllowlist:
		return http.StatusForbidden
	case errors.ErrCredentialNotFound, errors.ErrRemoteServerNotFound:
		return http.StatusNotFound
	case errors.ErrContainerAlreadyExists:
		return http.StatusConflict
	case errors.ErrTooManyConnections, errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrValidation, errors.ErrOAuthStateMismatch, errors.ErrInvalidSource:
		return http.StatusBadRequest
	case errors.ErrContainerUnavailable, errors.ErrOAuthProviderUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrOAuthProvider, errors.ErrUpstreamUnavailable, errors.ErrCatalog, errors.ErrInspector:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewValidationError("request body is not valid JSON")
	}
	return nil
}
