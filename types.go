package envmlflow

import "time"

// Config configures an environment-aware client.
type Config struct {
	// Environment is the logical environment, e.g. "local", "acc" or
	// "production". Required. ConfigFromEnv fills it from MLFLOW_ENV.
	Environment string `yaml:"environment"`

	// TrackingURI is the address of the MLflow tracking server.
	// Example: "http://localhost:5000"
	TrackingURI string `yaml:"tracking_uri"`

	// RegistryURI is the address of the model registry server.
	// If empty, TrackingURI is used.
	RegistryURI string `yaml:"registry_uri"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Username and Password enable basic authentication when Token is empty.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// S3EndpointURL overrides the S3 endpoint for s3:// artifacts, e.g. a MinIO server.
	S3EndpointURL string `yaml:"s3_endpoint_url"`

	// AppName determines the artifact cache directory name.
	// Defaults to "envmlflow".
	AppName string `yaml:"app_name"`

	// CacheDir overrides the default artifact cache directory.
	// Can also be set via environment variable: <APPNAME>_ARTIFACTS_DIR
	CacheDir string `yaml:"cache_dir"`
}

// ModelVersion is a single version of a registered model.
type ModelVersion struct {
	// Name is the registered (environment-qualified) model name.
	Name string `json:"name"`

	// Version is the version number as assigned by the registry.
	Version string `json:"version"`

	// CurrentStage is the stage of the version, e.g. "Staging".
	CurrentStage string `json:"current_stage,omitempty"`

	// Source is the artifact location the version was created from.
	Source string `json:"source,omitempty"`

	// RunID is the run that produced the model, if any.
	RunID string `json:"run_id,omitempty"`

	// RunLink links to the run in a remote workspace, if any.
	RunLink string `json:"run_link,omitempty"`

	// Status is the registration status, e.g. "READY".
	Status string `json:"status,omitempty"`

	Description string `json:"description,omitempty"`

	// Tags holds version tags keyed by tag key.
	Tags map[string]string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegisteredModel is a named model in the registry.
type RegisteredModel struct {
	// Name is the environment-qualified model name.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Tags holds model tags keyed by tag key.
	Tags map[string]string `json:"tags,omitempty"`

	// LatestVersions holds the latest version per stage.
	LatestVersions []ModelVersion `json:"latest_versions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Experiment is a tracking experiment.
type Experiment struct {
	ID               string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
}

// RunStatus is the status of a tracking run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
	RunKilled   RunStatus = "KILLED"
)

// Run is a tracking run.
type Run struct {
	ID           string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	Name         string    `json:"run_name,omitempty"`
	Status       RunStatus `json:"status"`

	// ArtifactURI is the root location of the run's artifacts.
	ArtifactURI string `json:"artifact_uri"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// CreateVersionOptions holds optional fields for creating a model version.
type CreateVersionOptions struct {
	RunID       string
	RunLink     string
	Description string
	Tags        map[string]string
}

// CreateModelOptions holds optional fields for creating a registered model.
type CreateModelOptions struct {
	Description string
	Tags        map[string]string
}

// LogParams are passed to a Flavor when logging a model.
type LogParams struct {
	// RunID is the run the model is logged to. Required.
	RunID string

	// ArtifactPath is the run-relative path of the model. The client
	// postfixes it with the environment before logging.
	ArtifactPath string

	// DataPath is a local directory whose contents are logged with the model.
	DataPath string

	// LoaderModule names the function that builds the inner implementation
	// on load. See RegisterLoaderModule.
	LoaderModule string

	// Extra holds flavor specific parameters.
	Extra map[string]any
}

// ModelInfo describes a logged model.
type ModelInfo struct {
	// ArtifactPath is the run-relative path the model was logged to.
	ArtifactPath string `json:"artifact_path"`

	// ModelURI is the runs:/ URI of the logged model.
	ModelURI string `json:"model_uri"`

	// Source is the resolved storage location of the model artifacts.
	Source string `json:"source"`

	RunID string `json:"run_id"`

	// UUID uniquely identifies the logged model.
	UUID string `json:"model_uuid"`

	UTCTimeCreated time.Time `json:"utc_time_created"`
}
