// Package errors defines the closed set of failure kinds raised by the
// control-plane components. Each kind maps 1:1 to a stable wire error_code;
// the HTTP layer is the only place that renders kinds into responses.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. The string values are the wire error_code values.
const (
	// ErrAuth is returned when login or session validation fails
	ErrAuth = "AUTH_ERROR"

	// ErrCatalog is returned for general catalog ingestion failures
	ErrCatalog = "CATALOG_ERROR"

	// ErrConfig is returned when configuration is missing or invalid
	ErrConfig = "CONFIG_ERROR"

	// ErrContainer is returned for container runtime operation failures
	ErrContainer = "CONTAINER_ERROR"

	// ErrContainerUnavailable is returned when the container runtime cannot be reached
	ErrContainerUnavailable = "CONTAINER_UNAVAILABLE"

	// ErrContainerAlreadyExists is returned when a container name is already taken
	ErrContainerAlreadyExists = "CONTAINER_ALREADY_EXISTS"

	// ErrInspector is returned when MCP capability inspection fails
	ErrInspector = "INSPECTOR_ERROR"

	// ErrSecret is returned when a secret reference cannot be resolved
	ErrSecret = "SECRET_ERROR"

	// ErrOAuthStateMismatch is returned when an OAuth callback carries an unknown or mismatched state
	ErrOAuthStateMismatch = "OAUTH_STATE_MISMATCH"

	// ErrOAuthProvider is returned when the provider rejects a token request (4xx)
	ErrOAuthProvider = "OAUTH_PROVIDER_ERROR"

	// ErrOAuthProviderUnavailable is returned when the provider is unreachable or failing (5xx)
	ErrOAuthProviderUnavailable = "OAUTH_PROVIDER_UNAVAILABLE"

	// ErrOAuthInvalidGrant is returned when a refresh token is missing or rejected
	ErrOAuthInvalidGrant = "OAUTH_INVALID_GRANT"

	// ErrScopeNotAllowed is returned when requested scopes violate the scope policy
	ErrScopeNotAllowed = "SCOPE_NOT_ALLOWED"

	// ErrCredentialNotFound is returned when a credential key does not resolve
	ErrCredentialNotFound = "CREDENTIAL_NOT_FOUND"

	// ErrRemoteServerNotFound is returned when a remote server id does not resolve
	ErrRemoteServerNotFound = "REMOTE_SERVER_NOT_FOUND"

	// ErrEndpointNotAllowed is returned when an endpoint fails the allowlist check
	ErrEndpointNotAllowed = "ENDPOINT_NOT_ALLOWED"

	// ErrTooManyConnections is returned when no connection slot is available
	ErrTooManyConnections = "TOO_MANY_CONNECTIONS"

	// ErrGatewayAllowlist is returned when a gateway URL fails the merged allowlist
	ErrGatewayAllowlist = "GATEWAY_ALLOWLIST"

	// ErrValidation is returned when request input fails validation
	ErrValidation = "VALIDATION_ERROR"

	// ErrInternal is returned for unrecoverable internal failures
	ErrInternal = "INTERNAL_ERROR"

	// ErrInvalidSource is returned when a catalog source name is unknown
	ErrInvalidSource = "invalid_source"

	// ErrRateLimited is returned when an upstream catalog answers 429
	ErrRateLimited = "rate_limited"

	// ErrUpstreamUnavailable is returned when an upstream catalog is unreachable or failing
	ErrUpstreamUnavailable = "upstream_unavailable"
)

// Error represents a typed failure in the application.
type Error struct {
	// Type is the error kind, one of the constants above
	Type string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Detail carries optional structured context rendered into the wire
	// envelope (e.g. missing scopes, existing container id).
	Detail map[string]any
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a structured detail entry and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// New creates a new typed error.
func New(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a new typed error with a formatted message and no cause.
func Newf(errorType, format string, args ...any) *Error {
	return &Error{
		Type:    errorType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Kind returns the error kind of err, or ErrInternal when err is not a typed
// error. A nil err returns the empty string.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// As extracts the typed error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind string) bool {
	e, ok := As(err)
	return ok && e.Type == kind
}

// NewAuthError creates a new auth error.
func NewAuthError(message string, cause error) *Error {
	return New(ErrAuth, message, cause)
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, cause error) *Error {
	return New(ErrConfig, message, cause)
}

// NewContainerError creates a new container runtime error.
func NewContainerError(message string, cause error) *Error {
	return New(ErrContainer, message, cause)
}

// NewContainerUnavailableError creates a new container-runtime-unreachable error.
func NewContainerUnavailableError(message string, cause error) *Error {
	return New(ErrContainerUnavailable, message, cause)
}

// NewContainerAlreadyExistsError creates a new container-already-exists error.
func NewContainerAlreadyExistsError(message string, cause error) *Error {
	return New(ErrContainerAlreadyExists, message, cause)
}

// NewSecretError creates a new secret resolution error.
func NewSecretError(message string, cause error) *Error {
	return New(ErrSecret, message, cause)
}

// NewValidationError creates a new input validation error.
func NewValidationError(message string) *Error {
	return New(ErrValidation, message, nil)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return New(ErrInternal, message, cause)
}

// IsAuth checks if the error is an auth error.
func IsAuth(err error) bool { return IsKind(err, ErrAuth) }

// IsContainerNotFound reports whether the error means the container does not
// exist. Modeled as a CONTAINER_ERROR with the not-found detail flag so the
// HTTP layer can map it to 404.
func IsContainerNotFound(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	_, notFound := e.Detail["not_found"]
	return notFound
}

// NewContainerNotFoundError creates a container error flagged as not-found.
func NewContainerNotFoundError(containerID string) *Error {
	e := Newf(ErrContainer, "container not found: %s", containerID)
	return e.WithDetail("not_found", true)
}
