package envmlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// apiPrefix is the path prefix of the MLflow REST API.
const apiPrefix = "/api/2.0/mlflow/"

// RESTClient talks to an MLflow tracking and registry server over its REST API.
// It implements both Registry and Tracking and passes names through unmodified.
type RESTClient struct {
	// trackingURL is the base URL for experiment and run endpoints.
	trackingURL string

	// registryURL is the base URL for model registry endpoints.
	registryURL string

	// token, username and password authenticate requests.
	token    string
	username string
	password string

	// httpClient is used for HTTP requests.
	httpClient HTTPClient

	// limiter throttles outgoing requests. May be nil.
	limiter *rate.Limiter

	// backoff is the initial retry backoff.
	backoff time.Duration

	// logger receives diagnostic messages.
	logger Logger
}

// Ensure RESTClient implements the delegate interfaces.
var (
	_ Registry = (*RESTClient)(nil)
	_ Tracking = (*RESTClient)(nil)
)

// NewRESTClient creates a client for the MLflow server at cfg.TrackingURI.
// Registry requests go to cfg.RegistryURI when set.
// Only http and https servers are supported.
func NewRESTClient(cfg Config, opts ...ClientOption) (*RESTClient, error) {
	ccfg := newClientConfig(opts...)

	trackingURL, err := normalizeServerURL(cfg.TrackingURI)
	if err != nil {
		return nil, fmt.Errorf("tracking uri: %w", err)
	}
	registryURL, err := normalizeServerURL(cfg.registryURI())
	if err != nil {
		return nil, fmt.Errorf("registry uri: %w", err)
	}

	return &RESTClient{
		trackingURL: trackingURL,
		registryURL: registryURL,
		token:       cfg.Token,
		username:    cfg.Username,
		password:    cfg.Password,
		httpClient:  ccfg.httpClient,
		limiter:     ccfg.limiter,
		backoff:     ccfg.backoff,
		logger:      loggerOrNop(ccfg.logger),
	}, nil
}

// normalizeServerURL validates an MLflow server address and removes
// trailing slashes.
func normalizeServerURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: server uri is required (set %s)", ErrConfiguration, TrackingURIKey)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported server scheme %q", ErrConfiguration, u.Scheme)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Wire representations of MLflow entities.

type wireTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireModelVersion struct {
	Name                 string    `json:"name"`
	Version              string    `json:"version"`
	CreationTimestamp    int64     `json:"-"`
	LastUpdatedTimestamp int64     `json:"-"`
	CurrentStage         string    `json:"current_stage"`
	Description          string    `json:"description"`
	Source               string    `json:"source"`
	RunID                string    `json:"run_id"`
	RunLink              string    `json:"run_link"`
	Status               string    `json:"status"`
	Tags                 []wireTag `json:"tags"`
}

type wireRegisteredModel struct {
	Name                 string             `json:"name"`
	CreationTimestamp    int64              `json:"-"`
	LastUpdatedTimestamp int64              `json:"-"`
	Description          string             `json:"description"`
	LatestVersions       []wireModelVersion `json:"latest_versions"`
	Tags                 []wireTag          `json:"tags"`
}

type wireExperiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
	LifecycleStage   string `json:"lifecycle_stage"`
}

type wireRunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	StartTime    int64  `json:"-"`
	EndTime      int64  `json:"-"`
	ArtifactURI  string `json:"artifact_uri"`
}

type wireRun struct {
	Info wireRunInfo `json:"info"`
}

type wireError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Timestamps arrive as JSON numbers or strings depending on the server version.

func (t *wireModelVersion) UnmarshalJSON(data []byte) error {
	type plain wireModelVersion
	aux := struct {
		*plain
		CreationTimestamp    json.RawMessage `json:"creation_timestamp"`
		LastUpdatedTimestamp json.RawMessage `json:"last_updated_timestamp"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.CreationTimestamp = parseJSONInt(aux.CreationTimestamp)
	t.LastUpdatedTimestamp = parseJSONInt(aux.LastUpdatedTimestamp)
	return nil
}

func (t *wireRegisteredModel) UnmarshalJSON(data []byte) error {
	type plain wireRegisteredModel
	aux := struct {
		*plain
		CreationTimestamp    json.RawMessage `json:"creation_timestamp"`
		LastUpdatedTimestamp json.RawMessage `json:"last_updated_timestamp"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.CreationTimestamp = parseJSONInt(aux.CreationTimestamp)
	t.LastUpdatedTimestamp = parseJSONInt(aux.LastUpdatedTimestamp)
	return nil
}

func (t *wireRunInfo) UnmarshalJSON(data []byte) error {
	type plain wireRunInfo
	aux := struct {
		*plain
		StartTime json.RawMessage `json:"start_time"`
		EndTime   json.RawMessage `json:"end_time"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.StartTime = parseJSONInt(aux.StartTime)
	t.EndTime = parseJSONInt(aux.EndTime)
	return nil
}

// parseJSONInt decodes an int64 sent as JSON number or string.
func parseJSONInt(raw json.RawMessage) int64 {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func tagMap(tags []wireTag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}

func wireTags(tags map[string]string) []wireTag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]wireTag, 0, len(tags))
	for k, v := range tags {
		out = append(out, wireTag{Key: k, Value: v})
	}
	return out
}

func (w wireModelVersion) toModelVersion() ModelVersion {
	return ModelVersion{
		Name:         w.Name,
		Version:      w.Version,
		CurrentStage: w.CurrentStage,
		Source:       w.Source,
		RunID:        w.RunID,
		RunLink:      w.RunLink,
		Status:       w.Status,
		Description:  w.Description,
		Tags:         tagMap(w.Tags),
		CreatedAt:    fromMillis(w.CreationTimestamp),
		UpdatedAt:    fromMillis(w.LastUpdatedTimestamp),
	}
}

func (w wireRegisteredModel) toRegisteredModel() RegisteredModel {
	var latest []ModelVersion
	for _, v := range w.LatestVersions {
		latest = append(latest, v.toModelVersion())
	}
	return RegisteredModel{
		Name:           w.Name,
		Description:    w.Description,
		Tags:           tagMap(w.Tags),
		LatestVersions: latest,
		CreatedAt:      fromMillis(w.CreationTimestamp),
		UpdatedAt:      fromMillis(w.LastUpdatedTimestamp),
	}
}

func (w wireRunInfo) toRun() Run {
	return Run{
		ID:           w.RunID,
		ExperimentID: w.ExperimentID,
		Name:         w.RunName,
		Status:       RunStatus(w.Status),
		ArtifactURI:  w.ArtifactURI,
		StartTime:    fromMillis(w.StartTime),
		EndTime:      fromMillis(w.EndTime),
	}
}

// Registry endpoints.

// GetLatestVersions returns the latest version of name for each stage.
func (c *RESTClient) GetLatestVersions(ctx context.Context, name string, stages []Stage) ([]ModelVersion, error) {
	req := struct {
		Name   string   `json:"name"`
		Stages []string `json:"stages,omitempty"`
	}{Name: name}
	for _, s := range stages {
		req.Stages = append(req.Stages, string(s))
	}

	var resp struct {
		ModelVersions []wireModelVersion `json:"model_versions"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodPost, "registered-models/get-latest-versions", req, &resp); err != nil {
		return nil, err
	}

	versions := make([]ModelVersion, 0, len(resp.ModelVersions))
	for _, v := range resp.ModelVersions {
		versions = append(versions, v.toModelVersion())
	}
	return versions, nil
}

// SetModelVersionTag sets a tag on a model version.
func (c *RESTClient) SetModelVersionTag(ctx context.Context, name, version, key, value string) error {
	req := map[string]string{"name": name, "version": version, "key": key, "value": value}
	return c.call(ctx, c.registryURL, http.MethodPost, "model-versions/set-tag", req, nil)
}

// SetRegisteredModelTag sets a tag on a registered model.
func (c *RESTClient) SetRegisteredModelTag(ctx context.Context, name, key, value string) error {
	req := map[string]string{"name": name, "key": key, "value": value}
	return c.call(ctx, c.registryURL, http.MethodPost, "registered-models/set-tag", req, nil)
}

// CreateModelVersion creates a new version of the registered model name.
func (c *RESTClient) CreateModelVersion(ctx context.Context, name, source string, opts CreateVersionOptions) (ModelVersion, error) {
	req := struct {
		Name        string    `json:"name"`
		Source      string    `json:"source"`
		RunID       string    `json:"run_id,omitempty"`
		RunLink     string    `json:"run_link,omitempty"`
		Description string    `json:"description,omitempty"`
		Tags        []wireTag `json:"tags,omitempty"`
	}{
		Name:        name,
		Source:      source,
		RunID:       opts.RunID,
		RunLink:     opts.RunLink,
		Description: opts.Description,
		Tags:        wireTags(opts.Tags),
	}

	var resp struct {
		ModelVersion wireModelVersion `json:"model_version"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodPost, "model-versions/create", req, &resp); err != nil {
		return ModelVersion{}, err
	}
	return resp.ModelVersion.toModelVersion(), nil
}

// CreateRegisteredModel creates a registered model.
func (c *RESTClient) CreateRegisteredModel(ctx context.Context, name string, opts CreateModelOptions) (RegisteredModel, error) {
	req := struct {
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
		Tags        []wireTag `json:"tags,omitempty"`
	}{
		Name:        name,
		Description: opts.Description,
		Tags:        wireTags(opts.Tags),
	}

	var resp struct {
		RegisteredModel wireRegisteredModel `json:"registered_model"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodPost, "registered-models/create", req, &resp); err != nil {
		return RegisteredModel{}, err
	}
	return resp.RegisteredModel.toRegisteredModel(), nil
}

// GetModelVersionDownloadURI returns the artifact location of a model version.
func (c *RESTClient) GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error) {
	q := url.Values{"name": {name}, "version": {version}}

	var resp struct {
		ArtifactURI string `json:"artifact_uri"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodGet, "model-versions/get-download-uri?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.ArtifactURI, nil
}

// GetRegisteredModel returns a registered model by name.
func (c *RESTClient) GetRegisteredModel(ctx context.Context, name string) (RegisteredModel, error) {
	q := url.Values{"name": {name}}

	var resp struct {
		RegisteredModel wireRegisteredModel `json:"registered_model"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodGet, "registered-models/get?"+q.Encode(), nil, &resp); err != nil {
		return RegisteredModel{}, err
	}
	return resp.RegisteredModel.toRegisteredModel(), nil
}

// TransitionModelVersionStage moves a model version to stage.
func (c *RESTClient) TransitionModelVersionStage(ctx context.Context, name, version string, stage Stage, archiveExisting bool) (ModelVersion, error) {
	req := struct {
		Name            string `json:"name"`
		Version         string `json:"version"`
		Stage           string `json:"stage"`
		ArchiveExisting bool   `json:"archive_existing_versions"`
	}{
		Name:            name,
		Version:         version,
		Stage:           string(stage),
		ArchiveExisting: archiveExisting,
	}

	var resp struct {
		ModelVersion wireModelVersion `json:"model_version"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodPost, "model-versions/transition-stage", req, &resp); err != nil {
		return ModelVersion{}, err
	}
	return resp.ModelVersion.toModelVersion(), nil
}

// GetModelVersion returns a single model version.
func (c *RESTClient) GetModelVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	q := url.Values{"name": {name}, "version": {version}}

	var resp struct {
		ModelVersion wireModelVersion `json:"model_version"`
	}
	if err := c.call(ctx, c.registryURL, http.MethodGet, "model-versions/get?"+q.Encode(), nil, &resp); err != nil {
		return ModelVersion{}, err
	}
	return resp.ModelVersion.toModelVersion(), nil
}

// Tracking endpoints.

// CreateExperiment creates an experiment and returns its ID.
func (c *RESTClient) CreateExperiment(ctx context.Context, name string) (string, error) {
	req := map[string]string{"name": name}

	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.call(ctx, c.trackingURL, http.MethodPost, "experiments/create", req, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

// GetExperimentByName looks up an experiment by its full name.
func (c *RESTClient) GetExperimentByName(ctx context.Context, name string) (Experiment, error) {
	q := url.Values{"experiment_name": {name}}

	var resp struct {
		Experiment wireExperiment `json:"experiment"`
	}
	if err := c.call(ctx, c.trackingURL, http.MethodGet, "experiments/get-by-name?"+q.Encode(), nil, &resp); err != nil {
		return Experiment{}, err
	}
	return Experiment{
		ID:               resp.Experiment.ExperimentID,
		Name:             resp.Experiment.Name,
		ArtifactLocation: resp.Experiment.ArtifactLocation,
		LifecycleStage:   resp.Experiment.LifecycleStage,
	}, nil
}

// CreateRun starts a run in the given experiment.
func (c *RESTClient) CreateRun(ctx context.Context, experimentID, runName string) (Run, error) {
	req := struct {
		ExperimentID string `json:"experiment_id"`
		RunName      string `json:"run_name,omitempty"`
		StartTime    int64  `json:"start_time"`
	}{
		ExperimentID: experimentID,
		RunName:      runName,
		StartTime:    time.Now().UnixMilli(),
	}

	var resp struct {
		Run wireRun `json:"run"`
	}
	if err := c.call(ctx, c.trackingURL, http.MethodPost, "runs/create", req, &resp); err != nil {
		return Run{}, err
	}
	return resp.Run.Info.toRun(), nil
}

// GetRun returns a run by ID.
func (c *RESTClient) GetRun(ctx context.Context, runID string) (Run, error) {
	q := url.Values{"run_id": {runID}}

	var resp struct {
		Run wireRun `json:"run"`
	}
	if err := c.call(ctx, c.trackingURL, http.MethodGet, "runs/get?"+q.Encode(), nil, &resp); err != nil {
		return Run{}, err
	}
	return resp.Run.Info.toRun(), nil
}

// UpdateRun sets the status of a run. Terminal statuses also set its end time.
func (c *RESTClient) UpdateRun(ctx context.Context, runID string, status RunStatus) (Run, error) {
	req := struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time,omitempty"`
	}{
		RunID:  runID,
		Status: string(status),
	}
	if status != RunRunning {
		req.EndTime = time.Now().UnixMilli()
	}

	var resp struct {
		RunInfo wireRunInfo `json:"run_info"`
	}
	if err := c.call(ctx, c.trackingURL, http.MethodPost, "runs/update", req, &resp); err != nil {
		return Run{}, err
	}
	return resp.RunInfo.toRun(), nil
}

// call performs a JSON request against an MLflow API endpoint and decodes the
// response into out, which may be nil.
func (c *RESTClient) call(ctx context.Context, baseURL, method, endpoint string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", endpoint, err)
		}
	}

	resp, err := c.do(ctx, method, baseURL+apiPrefix+endpoint, body, "application/json")
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing %s response: %w", endpoint, ErrRegistryError)
	}
	return nil
}

// decodeAPIError converts a non-2xx response into an *APIError.
func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var we wireError
	if err := json.Unmarshal(data, &we); err != nil || (we.ErrorCode == "" && we.Message == "") {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: we.ErrorCode, Message: we.Message}
}

// retryable reports whether a response status warrants another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// idempotent reports whether repeating a request cannot create a second
// resource. MLflow's create endpoints are the only non-idempotent calls.
func idempotent(method, rawURL string) bool {
	if method != http.MethodPost {
		return true
	}
	path, _, _ := strings.Cut(rawURL, "?")
	return !strings.HasSuffix(path, "/create")
}

// dialFailed reports whether err happened before the request reached the server.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// do sends a request, retrying network failures and retryable statuses up to
// MaxRetries times. Create requests are only retried when the server cannot
// have processed them: on 429 or when the connection could not be made.
// The caller must close the returned body.
func (c *RESTClient) do(ctx context.Context, method, rawURL string, body []byte, contentType string) (*http.Response, error) {
	backoff := c.backoff
	safe := idempotent(method, rawURL)

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if body != nil && contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= MaxRetries || (!safe && !dialFailed(err)) {
				return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
			}
			c.logger.Debug("retrying request", "url", rawURL, "attempt", attempt+1, "error", err)
		case retryable(resp.StatusCode) && attempt < MaxRetries && (safe || resp.StatusCode == http.StatusTooManyRequests):
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Debug("retrying request", "url", rawURL, "attempt", attempt+1, "status", resp.StatusCode)
		default:
			return resp, nil
		}

		if backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		}
	}
}

// authorize adds credentials to req.
func (c *RESTClient) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "" || c.password != "":
		req.SetBasicAuth(c.username, c.password)
	}
}
