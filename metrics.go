package envmlflow

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "envmlflow"

// delegateMetrics is a prometheus.Collector for calls to the registry and
// tracking delegates.
type delegateMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newDelegateMetrics() *delegateMetrics {
	return &delegateMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delegate_requests_total",
				Help:      "The number of registry and tracking calls by operation and result.",
			}, []string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delegate_request_duration_seconds",
				Help:      "The time taken by registry and tracking calls.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"op"},
		),
	}
}

// registerDelegateMetrics registers a collector with reg, reusing the one
// already registered by an earlier client.
func registerDelegateMetrics(reg prometheus.Registerer) (*delegateMetrics, error) {
	m := newDelegateMetrics()
	if err := reg.Register(m); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*delegateMetrics); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return m, nil
}

// Describe is part of the prometheus.Collector interface.
func (m *delegateMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *delegateMetrics) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.duration.Collect(ch)
}

// observe records one call of op that started at start.
func (m *delegateMetrics) observe(op string, start time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrAlreadyExists):
		result = "already_exists"
	default:
		result = "error"
	}
	m.requests.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// instrumentedRegistry records metrics around a Registry.
type instrumentedRegistry struct {
	next    Registry
	metrics *delegateMetrics
}

func instrumentRegistry(next Registry, m *delegateMetrics) Registry {
	return &instrumentedRegistry{next: next, metrics: m}
}

func (r *instrumentedRegistry) GetLatestVersions(ctx context.Context, name string, stages []Stage) (_ []ModelVersion, err error) {
	defer func(start time.Time) { r.metrics.observe("get_latest_versions", start, err) }(time.Now())
	return r.next.GetLatestVersions(ctx, name, stages)
}

func (r *instrumentedRegistry) SetModelVersionTag(ctx context.Context, name, version, key, value string) (err error) {
	defer func(start time.Time) { r.metrics.observe("set_model_version_tag", start, err) }(time.Now())
	return r.next.SetModelVersionTag(ctx, name, version, key, value)
}

func (r *instrumentedRegistry) SetRegisteredModelTag(ctx context.Context, name, key, value string) (err error) {
	defer func(start time.Time) { r.metrics.observe("set_registered_model_tag", start, err) }(time.Now())
	return r.next.SetRegisteredModelTag(ctx, name, key, value)
}

func (r *instrumentedRegistry) CreateModelVersion(ctx context.Context, name, source string, opts CreateVersionOptions) (_ ModelVersion, err error) {
	defer func(start time.Time) { r.metrics.observe("create_model_version", start, err) }(time.Now())
	return r.next.CreateModelVersion(ctx, name, source, opts)
}

func (r *instrumentedRegistry) CreateRegisteredModel(ctx context.Context, name string, opts CreateModelOptions) (_ RegisteredModel, err error) {
	defer func(start time.Time) { r.metrics.observe("create_registered_model", start, err) }(time.Now())
	return r.next.CreateRegisteredModel(ctx, name, opts)
}

func (r *instrumentedRegistry) GetModelVersionDownloadURI(ctx context.Context, name, version string) (_ string, err error) {
	defer func(start time.Time) { r.metrics.observe("get_model_version_download_uri", start, err) }(time.Now())
	return r.next.GetModelVersionDownloadURI(ctx, name, version)
}

func (r *instrumentedRegistry) GetRegisteredModel(ctx context.Context, name string) (_ RegisteredModel, err error) {
	defer func(start time.Time) { r.metrics.observe("get_registered_model", start, err) }(time.Now())
	return r.next.GetRegisteredModel(ctx, name)
}

func (r *instrumentedRegistry) TransitionModelVersionStage(ctx context.Context, name, version string, stage Stage, archiveExisting bool) (_ ModelVersion, err error) {
	defer func(start time.Time) { r.metrics.observe("transition_model_version_stage", start, err) }(time.Now())
	return r.next.TransitionModelVersionStage(ctx, name, version, stage, archiveExisting)
}

func (r *instrumentedRegistry) GetModelVersion(ctx context.Context, name, version string) (_ ModelVersion, err error) {
	defer func(start time.Time) { r.metrics.observe("get_model_version", start, err) }(time.Now())
	return r.next.GetModelVersion(ctx, name, version)
}

// instrumentedTracking records metrics around a Tracking.
type instrumentedTracking struct {
	next    Tracking
	metrics *delegateMetrics
}

func instrumentTracking(next Tracking, m *delegateMetrics) Tracking {
	return &instrumentedTracking{next: next, metrics: m}
}

func (t *instrumentedTracking) CreateExperiment(ctx context.Context, name string) (_ string, err error) {
	defer func(start time.Time) { t.metrics.observe("create_experiment", start, err) }(time.Now())
	return t.next.CreateExperiment(ctx, name)
}

func (t *instrumentedTracking) GetExperimentByName(ctx context.Context, name string) (_ Experiment, err error) {
	defer func(start time.Time) { t.metrics.observe("get_experiment_by_name", start, err) }(time.Now())
	return t.next.GetExperimentByName(ctx, name)
}

func (t *instrumentedTracking) CreateRun(ctx context.Context, experimentID, runName string) (_ Run, err error) {
	defer func(start time.Time) { t.metrics.observe("create_run", start, err) }(time.Now())
	return t.next.CreateRun(ctx, experimentID, runName)
}

func (t *instrumentedTracking) GetRun(ctx context.Context, runID string) (_ Run, err error) {
	defer func(start time.Time) { t.metrics.observe("get_run", start, err) }(time.Now())
	return t.next.GetRun(ctx, runID)
}

func (t *instrumentedTracking) UpdateRun(ctx context.Context, runID string, status RunStatus) (_ Run, err error) {
	defer func(start time.Time) { t.metrics.observe("update_run", start, err) }(time.Now())
	return t.next.UpdateRun(ctx, runID, status)
}
