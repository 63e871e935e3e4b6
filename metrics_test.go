package envmlflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDelegateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, fakeReg, _ := newTestClient("acc", WithMetrics(reg))
	fakeReg.latest = []ModelVersion{{Name: "churn_acc", Version: "1"}}
	ctx := context.Background()

	if _, err := c.LatestVersions(ctx, "churn"); err != nil {
		t.Fatalf("LatestVersions() error = %v", err)
	}
	if _, err := c.GetVersion(ctx, "churn", "9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetVersion() expected ErrNotFound, got %v", err)
	}
	if _, err := c.EnsureExperiment(ctx, "training"); err != nil {
		t.Fatalf("EnsureExperiment() error = %v", err)
	}
	if _, err := c.EnsureExperiment(ctx, "training"); err != nil {
		t.Fatalf("EnsureExperiment() error = %v", err)
	}

	expected := `
# HELP envmlflow_delegate_requests_total The number of registry and tracking calls by operation and result.
# TYPE envmlflow_delegate_requests_total counter
envmlflow_delegate_requests_total{op="create_experiment",result="already_exists"} 1
envmlflow_delegate_requests_total{op="create_experiment",result="success"} 1
envmlflow_delegate_requests_total{op="get_experiment_by_name",result="success"} 1
envmlflow_delegate_requests_total{op="get_latest_versions",result="success"} 1
envmlflow_delegate_requests_total{op="get_model_version",result="not_found"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "envmlflow_delegate_requests_total"); err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(reg, "envmlflow_delegate_request_duration_seconds"); n != 4 {
		t.Errorf("duration series = %d, want 4", n)
	}
}

func TestDelegateMetricsResultsUnchanged(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, fakeReg, _ := newTestClient("acc", WithMetrics(reg))
	fakeReg.err = &APIError{StatusCode: 500, Code: "INTERNAL_ERROR", Message: "boom"}

	_, err := c.GetModel(context.Background(), "churn")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "boom" {
		t.Errorf("expected delegate error unchanged, got %v", err)
	}

	if got := testutil.ToFloat64(requestCounter(t, reg, "get_registered_model", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestRegisterDelegateMetricsTwice(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := registerDelegateMetrics(reg)
	if err != nil {
		t.Fatalf("registerDelegateMetrics() error = %v", err)
	}
	second, err := registerDelegateMetrics(reg)
	if err != nil {
		t.Fatalf("registerDelegateMetrics() second call error = %v", err)
	}
	if first != second {
		t.Error("second registration should reuse the existing collector")
	}
}

// requestCounter returns the request counter of op/result from the
// collector registered with reg.
func requestCounter(t *testing.T, reg *prometheus.Registry, op, result string) prometheus.Counter {
	t.Helper()
	m, err := registerDelegateMetrics(reg)
	if err != nil {
		t.Fatalf("registerDelegateMetrics() error = %v", err)
	}
	return m.requests.WithLabelValues(op, result)
}
