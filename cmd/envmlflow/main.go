// Command envmlflow queries and updates an MLflow registry in the context of
// a logical environment.
//
// Configuration is loaded from environment variables:
//   - MLFLOW_ENV: Logical environment, e.g. dev, acc or production (required
//     unless --env is given)
//   - MLFLOW_TRACKING_URI: Base URL of the MLflow server
//   - MLFLOW_REGISTRY_URI: Base URL of the model registry (optional)
//   - MLFLOW_TRACKING_TOKEN or MLFLOW_TRACKING_USERNAME/PASSWORD: credentials
//   - ENVMLFLOW_ARTIFACTS_DIR: Override for the artifact cache (optional)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	envmlflow "github.com/nederlandsespoorwegen/environment-mlflow-client"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitConfigError indicates missing or invalid configuration.
	ExitConfigError = 2

	// ExitNotFound indicates the model, version or experiment does not exist.
	ExitNotFound = 3

	// ExitNetworkError indicates a network or connection failure.
	ExitNetworkError = 5

	// ExitRegistryError indicates the MLflow server rejected the request.
	ExitRegistryError = 6

	// ExitStorageError indicates an artifact or filesystem operation failed.
	ExitStorageError = 7
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := envmlflow.Config{AppName: envmlflow.DefaultAppName}

	cmd := envmlflow.NewCommand(cfg)
	cmd.Use = "envmlflow"
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, envmlflow.ErrConfiguration):
		return ExitConfigError
	case errors.Is(err, envmlflow.ErrInvalidURI):
		return ExitConfigError
	case errors.Is(err, envmlflow.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, envmlflow.ErrNetworkError):
		return ExitNetworkError
	case errors.Is(err, envmlflow.ErrStorageError):
		return ExitStorageError
	case errors.Is(err, envmlflow.ErrRegistryError), errors.Is(err, envmlflow.ErrAlreadyExists):
		return ExitRegistryError
	default:
		return ExitGeneralError
	}
}
