package envmlflow

import "context"

// Registry is the model registry capability set the client delegates to.
// Names passed in are already environment-qualified.
// The REST client returned by NewRESTClient implements it.
type Registry interface {
	// GetLatestVersions returns the latest version per requested stage, in
	// registry order.
	GetLatestVersions(ctx context.Context, name string, stages []Stage) ([]ModelVersion, error)

	SetModelVersionTag(ctx context.Context, name, version, key, value string) error

	SetRegisteredModelTag(ctx context.Context, name, key, value string) error

	CreateModelVersion(ctx context.Context, name, source string, opts CreateVersionOptions) (ModelVersion, error)

	CreateRegisteredModel(ctx context.Context, name string, opts CreateModelOptions) (RegisteredModel, error)

	GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error)

	GetRegisteredModel(ctx context.Context, name string) (RegisteredModel, error)

	// TransitionModelVersionStage moves a version to stage. Other versions in
	// stage are archived only if archiveExisting is true.
	TransitionModelVersionStage(ctx context.Context, name, version string, stage Stage, archiveExisting bool) (ModelVersion, error)

	GetModelVersion(ctx context.Context, name, version string) (ModelVersion, error)
}

// Tracking is the experiment tracking capability set the client delegates to.
type Tracking interface {
	// CreateExperiment returns the new experiment ID. It fails with an error
	// matching ErrAlreadyExists if the name is taken.
	CreateExperiment(ctx context.Context, name string) (string, error)

	GetExperimentByName(ctx context.Context, name string) (Experiment, error)

	CreateRun(ctx context.Context, experimentID, runName string) (Run, error)

	GetRun(ctx context.Context, runID string) (Run, error)

	UpdateRun(ctx context.Context, runID string, status RunStatus) (Run, error)
}
