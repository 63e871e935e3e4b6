// Package envmlflow provides an MLflow client that is contextualized to a
// logical environment (dev, acc, production, ...).
//
// The package serves two primary use cases:
//
//  1. Programmatic API via Client - NewClient wraps a model registry and
//     tracking delegate. Model names are postfixed with the environment,
//     experiments are placed under /experiments/<environment>/, and model
//     versions are promoted to the environment's stage.
//
//  2. Embeddable CLI via NewCommand - Parent CLI tools can attach an "mlflow"
//     subcommand tree to their Cobra root command.
//
// # Naming
//
// For environment "acc":
//
//	QualifiedName("churn", "acc")  // "churn_acc"
//	ExperimentPath("churn", "acc") // "/experiments/acc/churn"
//	StageFor("acc")                // Staging
//	StageFor("production")         // Production
//
// Only the exact environment "production" maps to the Production stage.
// Promotion never archives versions already in the stage.
//
// # Delegates
//
// By default a Client talks to the MLflow REST API 2.0 at Config.TrackingURI.
// WithRegistry and WithTracking replace the REST delegate with any
// implementation of Registry and Tracking. WithMetrics instruments both
// delegates with Prometheus collectors.
//
// # Artifacts
//
// ModelLoader downloads model artifacts from local paths, s3://,
// mlflow-artifacts:/, tracking server artifact proxy URLs, runs:/ and
// models:/ URIs into a local cache and parses their MLmodel file. Loader
// modules registered with RegisterLoaderModule build the model
// implementation that Unwrap returns. DirFlavor logs a local directory as a
// model of a run.
//
// The cache is stored in platform-appropriate directories:
//   - Linux: $XDG_DATA_HOME/<app>/artifacts/ or ~/.local/share/<app>/artifacts/
//   - macOS: ~/Library/Application Support/<app>/artifacts/
//   - Windows: %APPDATA%\<app>\artifacts\
//
// The location can be overridden via Config.CacheDir or the
// <APPNAME>_ARTIFACTS_DIR environment variable.
//
// # Thread Safety
//
// Client, ModelLoader and DirFlavor are safe for concurrent use if their
// delegates are. Concurrent fetches of the same URI, also from different
// processes, are serialized with file locks.
package envmlflow
