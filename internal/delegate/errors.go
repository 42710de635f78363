package delegate

import (
	"fmt"
	"net/http"
)

// Stable error codes surfaced to the host's error-reporting hook.
const (
	CodeInvalidJSON        = "invalid-json"
	CodeInvalidAccessToken = "invalid-access-token"
	CodeInvalidToken       = "invalid-token"
	CodeTransportError     = "transport-error"
	CodeStoreError         = "store-error"
)

// AuthError is a structured authentication failure. It carries a stable code,
// a human-readable message, and an HTTP status hint for the serving layer.
type AuthError struct {
	Code    string
	Message string
	Status  int
}

func (authError *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", authError.Code, authError.Message)
}

// NewInvalidJSONError reports an unparsable remote response body.
func NewInvalidJSONError(parseErr error) *AuthError {
	return &AuthError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("Unable to parse JSON from response, due to error %s.", parseErr.Error()),
		Status:  http.StatusInternalServerError,
	}
}

// NewInvalidAccessTokenError reports a remote rejection of the supplied token
// or authorization code, echoing the remote error message and code.
func NewInvalidAccessTokenError(remoteMessage string, remoteCode string) *AuthError {
	return &AuthError{
		Code:    CodeInvalidAccessToken,
		Message: fmt.Sprintf("Invalid access token, received %s (%s)", remoteMessage, remoteCode),
		Status:  http.StatusForbidden,
	}
}

// NewInvalidTokenError reports a locally malformed credential.
func NewInvalidTokenError() *AuthError {
	return &AuthError{
		Code:    CodeInvalidToken,
		Message: "Supplied token is invalid.",
		Status:  http.StatusForbidden,
	}
}

// NewTransportError wraps a network or connection failure.
func NewTransportError(transportErr error) *AuthError {
	return &AuthError{
		Code:    CodeTransportError,
		Message: transportErr.Error(),
		Status:  http.StatusBadGateway,
	}
}

// NewStoreError wraps a local user store rejection.
func NewStoreError(storeErr error) *AuthError {
	return &AuthError{
		Code:    CodeStoreError,
		Message: storeErr.Error(),
		Status:  http.StatusInternalServerError,
	}
}

// AsAuthError normalizes any failure into an *AuthError. Errors that are not
// already structured are treated as transport failures.
func AsAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	if authError, ok := err.(*AuthError); ok {
		return authError
	}
	return NewTransportError(err)
}
