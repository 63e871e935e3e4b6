package envmlflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for environment-aware registry operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrConfiguration indicates the client could not be constructed, most
	// commonly because no environment was given and MLFLOW_ENV is unset.
	ErrConfiguration = errors.New("envmlflow: invalid configuration")

	// ErrNotFound indicates a model version, model or experiment does not exist.
	ErrNotFound = errors.New("envmlflow: not found")

	// ErrUnsupportedUnwrap indicates a loaded artifact does not expose an
	// inner implementation.
	ErrUnsupportedUnwrap = errors.New("envmlflow: artifact has no inner implementation")

	// ErrAlreadyExists indicates the delegate refused to create a resource
	// that already exists.
	ErrAlreadyExists = errors.New("envmlflow: resource already exists")

	// ErrNetworkError indicates a network or connection failure.
	ErrNetworkError = errors.New("envmlflow: network error")

	// ErrRegistryError indicates the tracking or registry server returned an
	// error or unparseable data.
	ErrRegistryError = errors.New("envmlflow: registry error")

	// ErrStorageError indicates a filesystem or artifact store operation failed.
	ErrStorageError = errors.New("envmlflow: storage error")

	// ErrInvalidURI indicates an artifact URI that cannot be resolved.
	ErrInvalidURI = errors.New("envmlflow: invalid artifact uri")
)

// MLflow error codes the client maps onto sentinels.
const (
	codeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	codeDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
)

// APIError is an error response returned by the MLflow REST API.
// It matches ErrAlreadyExists, ErrNotFound or ErrRegistryError with errors.Is
// depending on its Code.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Code is the MLflow error_code, e.g. "RESOURCE_ALREADY_EXISTS".
	Code string

	// Message is the human-readable message from the server.
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("envmlflow: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("envmlflow: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Is reports whether the API error corresponds to target.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAlreadyExists:
		return e.Code == codeAlreadyExists
	case ErrNotFound:
		return e.Code == codeDoesNotExist
	case ErrRegistryError:
		return e.Code != codeAlreadyExists && e.Code != codeDoesNotExist
	}
	return false
}
