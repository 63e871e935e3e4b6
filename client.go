package envmlflow

import (
	"context"
	"errors"
	"fmt"
)

// Client contextualizes registry and tracking calls to a logical environment.
// Model names are postfixed with the environment, experiments are placed
// under /experiments/<environment>/, and model versions are always promoted
// to the environment's stage without archiving other versions.
//
// A Client holds no mutable state of its own and is safe for concurrent use
// if its delegates are.
type Client struct {
	// env is the logical environment, fixed at construction.
	env string

	// stage is derived from env once.
	stage Stage

	// registry receives all model registry calls.
	registry Registry

	// tracking receives all experiment and run calls.
	tracking Tracking

	// rest is the default delegate, nil if both delegates were supplied.
	rest *RESTClient

	// cfg is kept for artifact access.
	cfg Config

	// logger receives diagnostic messages.
	logger Logger
}

// NewClient creates a Client for cfg.Environment.
// Returns an error matching ErrConfiguration if the environment is empty or
// the default REST delegate cannot be created. Use ConfigFromEnv to fill the
// environment from MLFLOW_ENV.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ccfg := newClientConfig(opts...)

	var rest *RESTClient
	registry, tracking := ccfg.registry, ccfg.tracking
	if registry == nil || tracking == nil {
		var err error
		rest, err = NewRESTClient(cfg, opts...)
		if err != nil {
			return nil, err
		}
		if registry == nil {
			registry = rest
		}
		if tracking == nil {
			tracking = rest
		}
	}

	if ccfg.metrics != nil {
		collector, err := registerDelegateMetrics(ccfg.metrics)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		registry = instrumentRegistry(registry, collector)
		tracking = instrumentTracking(tracking, collector)
	}

	return &Client{
		env:      cfg.Environment,
		stage:    StageFor(cfg.Environment),
		registry: registry,
		tracking: tracking,
		rest:     rest,
		cfg:      cfg,
		logger:   loggerOrNop(ccfg.logger),
	}, nil
}

// resolver returns an artifact resolver backed by the client's delegates.
func (c *Client) resolver() *artifactResolver {
	return &artifactResolver{
		tracking:   c.tracking,
		registry:   c.registry,
		rest:       c.rest,
		s3Endpoint: c.cfg.S3EndpointURL,
	}
}

// Environment returns the logical environment of the client.
func (c *Client) Environment() string {
	return c.env
}

// Stage returns the stage model versions are promoted to and filtered by.
func (c *Client) Stage() Stage {
	return c.stage
}

// Qualify postfixes a model name with the environment.
func (c *Client) Qualify(name string) string {
	return QualifiedName(name, c.env)
}

// QualifyExperiment returns the environment specific experiment name.
func (c *Client) QualifyExperiment(name string) string {
	return ExperimentPath(name, c.env)
}

// LatestVersions returns the latest versions of a model in the environment's
// stage, in registry order.
func (c *Client) LatestVersions(ctx context.Context, name string) ([]ModelVersion, error) {
	return c.registry.GetLatestVersions(ctx, c.Qualify(name), []Stage{c.stage})
}

// LatestVersion returns the first of LatestVersions.
// Returns ErrNotFound if the model has no version in the environment's stage.
func (c *Client) LatestVersion(ctx context.Context, name string) (ModelVersion, error) {
	versions, err := c.LatestVersions(ctx, name)
	if err != nil {
		return ModelVersion{}, err
	}
	if len(versions) == 0 {
		return ModelVersion{}, fmt.Errorf("no %s version of %s: %w", c.stage, c.Qualify(name), ErrNotFound)
	}
	return versions[0], nil
}

// SetVersionTag sets a tag on a model version.
func (c *Client) SetVersionTag(ctx context.Context, name, version, key, value string) error {
	return c.registry.SetModelVersionTag(ctx, c.Qualify(name), version, key, value)
}

// SetModelTag sets a tag on a registered model.
func (c *Client) SetModelTag(ctx context.Context, name, key, value string) error {
	return c.registry.SetRegisteredModelTag(ctx, c.Qualify(name), key, value)
}

// CreateVersion creates a model version from source.
func (c *Client) CreateVersion(ctx context.Context, name, source string, opts CreateVersionOptions) (ModelVersion, error) {
	return c.registry.CreateModelVersion(ctx, c.Qualify(name), source, opts)
}

// CreateModel creates a registered model.
func (c *Client) CreateModel(ctx context.Context, name string, opts CreateModelOptions) (RegisteredModel, error) {
	return c.registry.CreateRegisteredModel(ctx, c.Qualify(name), opts)
}

// DownloadURI returns the artifact location of a model version.
func (c *Client) DownloadURI(ctx context.Context, name, version string) (string, error) {
	return c.registry.GetModelVersionDownloadURI(ctx, c.Qualify(name), version)
}

// GetModel returns a registered model.
func (c *Client) GetModel(ctx context.Context, name string) (RegisteredModel, error) {
	return c.registry.GetRegisteredModel(ctx, c.Qualify(name))
}

// PromoteVersion moves a model version to the environment's stage.
// More than one version can be in a stage; existing versions are never archived.
func (c *Client) PromoteVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	return c.registry.TransitionModelVersionStage(ctx, c.Qualify(name), version, c.stage, false)
}

// GetVersion returns a specific model version.
func (c *Client) GetVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	return c.registry.GetModelVersion(ctx, c.Qualify(name), version)
}

// LoadVersion loads a specific model version with loader.
// If unwrap is true the artifact's inner implementation is returned, or
// ErrUnsupportedUnwrap if it has none.
func (c *Client) LoadVersion(ctx context.Context, loader Loader, name, version string, unwrap bool) (any, error) {
	mv, err := c.GetVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, loader, mv, unwrap)
}

// LoadLatest loads the latest model version in the environment's stage.
// Returns ErrNotFound if no such version exists.
func (c *Client) LoadLatest(ctx context.Context, loader Loader, name string, unwrap bool) (any, error) {
	mv, err := c.LatestVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, loader, mv, unwrap)
}

func (c *Client) load(ctx context.Context, loader Loader, mv ModelVersion, unwrap bool) (any, error) {
	c.logger.Debug("loading model version", "name", mv.Name, "version", mv.Version, "source", mv.Source)

	artifact, err := loader.Load(ctx, mv.Source)
	if err != nil {
		return nil, err
	}
	if !unwrap {
		return artifact, nil
	}
	return Unwrap(artifact)
}

// LogAndRegister logs a model with flavor, registers it under the qualified
// name and promotes the new version to the environment's stage.
// params.ArtifactPath, when set, is qualified before logging.
func (c *Client) LogAndRegister(ctx context.Context, flavor Flavor, name string, params LogParams) (ModelVersion, ModelInfo, error) {
	if params.ArtifactPath != "" {
		params.ArtifactPath = c.Qualify(params.ArtifactPath)
	}

	info, err := flavor.Log(ctx, params)
	if err != nil {
		return ModelVersion{}, ModelInfo{}, fmt.Errorf("logging model: %w", err)
	}

	mv, err := c.register(ctx, info, c.Qualify(name))
	if err != nil {
		return ModelVersion{}, info, err
	}

	mv, err = c.PromoteVersion(ctx, name, mv.Version)
	if err != nil {
		return ModelVersion{}, info, err
	}
	return mv, info, nil
}

// register creates the registered model if needed and a version pointing at
// the logged artifacts.
func (c *Client) register(ctx context.Context, info ModelInfo, qualified string) (ModelVersion, error) {
	if _, err := c.registry.CreateRegisteredModel(ctx, qualified, CreateModelOptions{}); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return ModelVersion{}, err
		}
		c.logger.Debug("registered model exists", "name", qualified)
	}

	source := info.Source
	if source == "" {
		source = info.ModelURI
	}
	mv, err := c.registry.CreateModelVersion(ctx, qualified, source, CreateVersionOptions{RunID: info.RunID})
	if err != nil {
		return ModelVersion{}, err
	}
	c.logger.Info("registered model version", "name", mv.Name, "version", mv.Version)
	return mv, nil
}

// EnsureExperiment creates the environment specific experiment if it does not
// exist and returns its ID. Calling it repeatedly returns the same ID.
func (c *Client) EnsureExperiment(ctx context.Context, name string) (string, error) {
	qualified := c.QualifyExperiment(name)

	id, err := c.tracking.CreateExperiment(ctx, qualified)
	if err == nil {
		c.logger.Info("created experiment", "name", qualified, "id", id)
		return id, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return "", err
	}

	exp, err := c.tracking.GetExperimentByName(ctx, qualified)
	if err != nil {
		return "", err
	}
	return exp.ID, nil
}

// StartRun ensures the experiment exists and starts a run in it.
func (c *Client) StartRun(ctx context.Context, experiment, runName string) (Run, error) {
	experimentID, err := c.EnsureExperiment(ctx, experiment)
	if err != nil {
		return Run{}, err
	}
	return c.tracking.CreateRun(ctx, experimentID, runName)
}

// EndRun marks a run as finished with status.
func (c *Client) EndRun(ctx context.Context, runID string, status RunStatus) (Run, error) {
	return c.tracking.UpdateRun(ctx, runID, status)
}
