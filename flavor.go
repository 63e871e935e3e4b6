package envmlflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flavor logs a model as artifacts of a run.
type Flavor interface {
	// Log uploads the model described by params and returns where it was stored.
	Log(ctx context.Context, params LogParams) (ModelInfo, error)
}

// DefaultArtifactPath is used when LogParams.ArtifactPath is empty.
const DefaultArtifactPath = "model"

// modelDataDir is the directory below the artifact path holding
// LogParams.DataPath.
const modelDataDir = "data"

// DirFlavor logs a local directory as a model. It writes an MLmodel file
// declaring the GoFlavor with the loader module of LogParams and uploads the
// directory below the run's artifact root.
type DirFlavor struct {
	tracking Tracking
	resolver *artifactResolver
	logger   Logger
	cfg      *loaderConfig
	now      func() time.Time
}

// Ensure DirFlavor implements Flavor.
var _ Flavor = (*DirFlavor)(nil)

// NewDirFlavor creates a DirFlavor that stores artifacts through the
// delegates of c. WithConcurrency controls parallel uploads.
func NewDirFlavor(c *Client, opts ...LoaderOption) *DirFlavor {
	lcfg := newLoaderConfig()
	for _, opt := range opts {
		opt(lcfg)
	}
	return &DirFlavor{
		tracking: c.tracking,
		resolver: c.resolver(),
		logger:   c.logger,
		cfg:      lcfg,
		now:      time.Now,
	}
}

// Log uploads params.DataPath and an MLmodel file to
// <run artifact uri>/<artifact path>.
func (f *DirFlavor) Log(ctx context.Context, params LogParams) (ModelInfo, error) {
	if params.RunID == "" {
		return ModelInfo{}, fmt.Errorf("%w: a run id is required to log a model", ErrConfiguration)
	}
	artifactPath := strings.Trim(params.ArtifactPath, "/")
	if artifactPath == "" {
		artifactPath = DefaultArtifactPath
	}

	run, err := f.tracking.GetRun(ctx, params.RunID)
	if err != nil {
		return ModelInfo{}, err
	}
	if run.ArtifactURI == "" {
		return ModelInfo{}, fmt.Errorf("%w: run %s has no artifact uri", ErrInvalidURI, params.RunID)
	}

	source := joinArtifactPath(run.ArtifactURI, artifactPath)
	repo, root, err := f.resolver.resolve(ctx, source)
	if err != nil {
		return ModelInfo{}, err
	}

	info := ModelInfo{
		ArtifactPath:   artifactPath,
		ModelURI:       "runs:/" + params.RunID + "/" + artifactPath,
		Source:         source,
		RunID:          params.RunID,
		UUID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		UTCTimeCreated: f.now().UTC(),
	}

	engine := newTransferEngine(repo, f.logger)

	if params.DataPath != "" {
		if _, err := os.Stat(params.DataPath); err != nil {
			return ModelInfo{}, fmt.Errorf("%w: model data: %v", ErrStorageError, err)
		}
		if err := engine.upload(ctx, params.DataPath, joinArtifactPath(root, modelDataDir), f.cfg.concurrency); err != nil {
			return ModelInfo{}, err
		}
	}

	// The MLmodel file is uploaded last so readers never see a model
	// without its data.
	staging, err := os.MkdirTemp("", "envmlflow-model-")
	if err != nil {
		return ModelInfo{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer os.RemoveAll(staging)

	if err := writeMLmodel(staging, f.mlmodel(info, params)); err != nil {
		return ModelInfo{}, err
	}
	if err := engine.upload(ctx, staging, root, 1); err != nil {
		return ModelInfo{}, err
	}

	f.logger.Info("model logged", "run_id", params.RunID, "artifact_path", artifactPath, "bytes", engine.bytesTransferred)
	return info, nil
}

// mlmodel builds the MLmodel metadata for a logged model.
func (f *DirFlavor) mlmodel(info ModelInfo, params LogParams) MLmodel {
	flavor := make(map[string]any, len(params.Extra)+2)
	for k, v := range params.Extra {
		flavor[k] = v
	}
	if params.LoaderModule != "" {
		flavor["loader"] = params.LoaderModule
	}
	if params.DataPath != "" {
		flavor["data"] = modelDataDir
	}

	return MLmodel{
		ArtifactPath:   info.ArtifactPath,
		RunID:          info.RunID,
		ModelUUID:      info.UUID,
		UTCTimeCreated: info.UTCTimeCreated.Format("2006-01-02 15:04:05.000000"),
		Flavors:        map[string]map[string]any{GoFlavor: flavor},
	}
}
