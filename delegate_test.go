package envmlflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// fakeRegistry is an in-memory Registry that records every call.
type fakeRegistry struct {
	mu sync.Mutex

	// calls holds "Method name [version]" for every call.
	calls []string

	// latest is returned by GetLatestVersions.
	latest []ModelVersion

	// versions holds model versions keyed by "name/version".
	versions map[string]ModelVersion

	// models holds registered models by name.
	models map[string]RegisteredModel

	// err, when set, is returned by every method.
	err error

	lastStages      []Stage
	lastStage       Stage
	lastArchive     bool
	lastSource      string
	lastVersionOpts CreateVersionOptions
	tags            map[string]string
}

var _ Registry = (*fakeRegistry)(nil)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		versions: make(map[string]ModelVersion),
		models:   make(map[string]RegisteredModel),
		tags:     make(map[string]string),
	}
}

func (r *fakeRegistry) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *fakeRegistry) addVersion(mv ModelVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[mv.Name+"/"+mv.Version] = mv
}

func (r *fakeRegistry) GetLatestVersions(ctx context.Context, name string, stages []Stage) ([]ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("GetLatestVersions %s", name)
	r.lastStages = stages
	if r.err != nil {
		return nil, r.err
	}
	return r.latest, nil
}

func (r *fakeRegistry) SetModelVersionTag(ctx context.Context, name, version, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("SetModelVersionTag %s %s", name, version)
	if r.err != nil {
		return r.err
	}
	r.tags[name+"/"+version+":"+key] = value
	return nil
}

func (r *fakeRegistry) SetRegisteredModelTag(ctx context.Context, name, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("SetRegisteredModelTag %s", name)
	if r.err != nil {
		return r.err
	}
	r.tags[name+":"+key] = value
	return nil
}

func (r *fakeRegistry) CreateModelVersion(ctx context.Context, name, source string, opts CreateVersionOptions) (ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("CreateModelVersion %s", name)
	r.lastSource = source
	r.lastVersionOpts = opts
	if r.err != nil {
		return ModelVersion{}, r.err
	}
	n := 1
	for key := range r.versions {
		if len(key) > len(name) && key[:len(name)+1] == name+"/" {
			n++
		}
	}
	mv := ModelVersion{Name: name, Version: strconv.Itoa(n), Source: source, RunID: opts.RunID, Status: "READY", CurrentStage: "None"}
	r.versions[name+"/"+mv.Version] = mv
	return mv, nil
}

func (r *fakeRegistry) CreateRegisteredModel(ctx context.Context, name string, opts CreateModelOptions) (RegisteredModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("CreateRegisteredModel %s", name)
	if r.err != nil {
		return RegisteredModel{}, r.err
	}
	if _, ok := r.models[name]; ok {
		return RegisteredModel{}, &APIError{StatusCode: 400, Code: codeAlreadyExists, Message: "Registered Model (name=" + name + ") already exists."}
	}
	rm := RegisteredModel{Name: name, Description: opts.Description, Tags: opts.Tags}
	r.models[name] = rm
	return rm, nil
}

func (r *fakeRegistry) GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("GetModelVersionDownloadURI %s %s", name, version)
	if r.err != nil {
		return "", r.err
	}
	mv, ok := r.versions[name+"/"+version]
	if !ok {
		return "", &APIError{StatusCode: 404, Code: codeDoesNotExist}
	}
	return mv.Source, nil
}

func (r *fakeRegistry) GetRegisteredModel(ctx context.Context, name string) (RegisteredModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("GetRegisteredModel %s", name)
	if r.err != nil {
		return RegisteredModel{}, r.err
	}
	rm, ok := r.models[name]
	if !ok {
		return RegisteredModel{}, &APIError{StatusCode: 404, Code: codeDoesNotExist}
	}
	return rm, nil
}

func (r *fakeRegistry) TransitionModelVersionStage(ctx context.Context, name, version string, stage Stage, archiveExisting bool) (ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("TransitionModelVersionStage %s %s", name, version)
	r.lastStage = stage
	r.lastArchive = archiveExisting
	if r.err != nil {
		return ModelVersion{}, r.err
	}
	mv, ok := r.versions[name+"/"+version]
	if !ok {
		mv = ModelVersion{Name: name, Version: version}
	}
	mv.CurrentStage = string(stage)
	r.versions[name+"/"+version] = mv
	return mv, nil
}

func (r *fakeRegistry) GetModelVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("GetModelVersion %s %s", name, version)
	if r.err != nil {
		return ModelVersion{}, r.err
	}
	mv, ok := r.versions[name+"/"+version]
	if !ok {
		return ModelVersion{}, &APIError{StatusCode: 404, Code: codeDoesNotExist}
	}
	return mv, nil
}

// fakeTracking is an in-memory Tracking delegate.
type fakeTracking struct {
	mu sync.Mutex

	calls       []string
	experiments map[string]string
	runs        map[string]Run
	nextID      int

	// artifactRoot is the artifact URI prefix of created runs.
	artifactRoot string

	err error
}

var _ Tracking = (*fakeTracking)(nil)

func newFakeTracking() *fakeTracking {
	return &fakeTracking{
		experiments: make(map[string]string),
		runs:        make(map[string]Run),
	}
}

func (f *fakeTracking) CreateExperiment(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "CreateExperiment "+name)
	if f.err != nil {
		return "", f.err
	}
	if _, ok := f.experiments[name]; ok {
		return "", &APIError{StatusCode: 400, Code: codeAlreadyExists, Message: "Experiment '" + name + "' already exists."}
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.experiments[name] = id
	return id, nil
}

func (f *fakeTracking) GetExperimentByName(ctx context.Context, name string) (Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "GetExperimentByName "+name)
	if f.err != nil {
		return Experiment{}, f.err
	}
	id, ok := f.experiments[name]
	if !ok {
		return Experiment{}, &APIError{StatusCode: 404, Code: codeDoesNotExist}
	}
	return Experiment{ID: id, Name: name, LifecycleStage: "active"}, nil
}

func (f *fakeTracking) CreateRun(ctx context.Context, experimentID, runName string) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "CreateRun "+experimentID)
	if f.err != nil {
		return Run{}, f.err
	}
	f.nextID++
	id := fmt.Sprintf("run%d", f.nextID)
	run := Run{ID: id, ExperimentID: experimentID, Name: runName, Status: RunRunning}
	if f.artifactRoot != "" {
		run.ArtifactURI = joinArtifactPath(f.artifactRoot, id+"/artifacts")
	}
	f.runs[id] = run
	return run, nil
}

func (f *fakeTracking) addRun(run Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

func (f *fakeTracking) GetRun(ctx context.Context, runID string) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "GetRun "+runID)
	if f.err != nil {
		return Run{}, f.err
	}
	run, ok := f.runs[runID]
	if !ok {
		return Run{}, &APIError{StatusCode: 404, Code: codeDoesNotExist}
	}
	return run, nil
}

func (f *fakeTracking) UpdateRun(ctx context.Context, runID string, status RunStatus) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "UpdateRun "+runID)
	if f.err != nil {
		return Run{}, f.err
	}
	run, ok := f.runs[runID]
	if !ok {
		return Run{}, &APIError{StatusCode: 404, Code: codeDoesNotExist}
	}
	run.Status = status
	f.runs[runID] = run
	return run, nil
}

// newTestClient creates a Client for env backed by fresh fakes.
func newTestClient(env string, opts ...ClientOption) (*Client, *fakeRegistry, *fakeTracking) {
	reg := newFakeRegistry()
	trk := newFakeTracking()
	opts = append([]ClientOption{WithRegistry(reg), WithTracking(trk)}, opts...)
	c, err := NewClient(Config{Environment: env}, opts...)
	if err != nil {
		panic(err)
	}
	return c, reg, trk
}
