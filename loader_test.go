package envmlflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// testLoaderModule reads data/weights.txt below the model's data directory.
const testLoaderModule = "envmlflow_test.weights"

func init() {
	RegisterLoaderModule(testLoaderModule, func(dataPath string) (any, error) {
		data, err := os.ReadFile(filepath.Join(dataPath, "weights.txt"))
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(string(data)), nil
	})
}

const goModelMLmodel = `artifact_path: churn_acc
run_id: abc
model_uuid: 0f8e3a8c6f7d4c5b9a1e2d3c4b5a6978
utc_time_created: '2024-03-01 12:00:00.000000'
flavors:
  go_function:
    loader: envmlflow_test.weights
    data: data
`

// newLoaderClient creates a Client for acc with fake delegates and a
// temporary artifact cache.
func newLoaderClient(t *testing.T) (*Client, *fakeRegistry, *fakeTracking) {
	t.Helper()
	t.Setenv(envVarName(DefaultAppName), "")
	reg := newFakeRegistry()
	trk := newFakeTracking()
	c, err := NewClient(Config{Environment: "acc", CacheDir: t.TempDir()}, WithRegistry(reg), WithTracking(trk))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, reg, trk
}

func TestRegisterLoaderModule(t *testing.T) {
	found := false
	for _, name := range LoaderModules() {
		if name == testLoaderModule {
			found = true
		}
	}
	if !found {
		t.Errorf("LoaderModules() = %v, missing %s", LoaderModules(), testLoaderModule)
	}

	t.Run("duplicate panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for duplicate registration")
			}
		}()
		RegisterLoaderModule(testLoaderModule, func(string) (any, error) { return nil, nil })
	})

	t.Run("nil panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for nil loader module")
			}
		}()
		RegisterLoaderModule("envmlflow_test.nil", nil)
	})
}

func TestModelLoaderLoad(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newLoaderClient(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		MLmodelFile:        goModelMLmodel,
		"data/weights.txt": "v1\n",
	})

	loader, err := NewModelLoader(c, WithConcurrency(2))
	if err != nil {
		t.Fatalf("NewModelLoader() error = %v", err)
	}

	artifact, err := loader.Load(ctx, src)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	model, ok := artifact.(*Model)
	if !ok {
		t.Fatalf("Load() returned %T, want *Model", artifact)
	}
	if model.Meta.RunID != "abc" {
		t.Errorf("Meta.RunID = %q", model.Meta.RunID)
	}
	if _, err := os.Stat(filepath.Join(model.Path, "data", "weights.txt")); err != nil {
		t.Errorf("artifacts not downloaded: %v", err)
	}
	inner, err := Unwrap(artifact)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if inner != "v1" {
		t.Errorf("Unwrap() = %v, want %q", inner, "v1")
	}

	idx, err := loader.storage.loadIndex()
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := idx[src]
	if !ok || entry.FileCount != 2 || entry.TotalSize == 0 {
		t.Errorf("index entry = %+v, %v", entry, ok)
	}
}

func TestModelLoaderCache(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newLoaderClient(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{MLmodelFile: goModelMLmodel, "data/weights.txt": "v1"})

	loader, err := NewModelLoader(c)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := loader.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	writeTree(t, src, map[string]string{"data/weights.txt": "v2"})

	again, err := loader.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if again != dir {
		t.Errorf("Fetch() dir changed: %q != %q", again, dir)
	}
	if got := readTree(t, dir)["data/weights.txt"]; got != "v1" {
		t.Errorf("cached weights = %q, want v1", got)
	}

	forced, err := NewModelLoader(c, WithForce())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := forced.Fetch(ctx, src); err != nil {
		t.Fatalf("forced Fetch() error = %v", err)
	}
	if got := readTree(t, dir)["data/weights.txt"]; got != "v2" {
		t.Errorf("forced weights = %q, want v2", got)
	}

	t.Run("missing directory is fetched again", func(t *testing.T) {
		if err := os.RemoveAll(dir); err != nil {
			t.Fatal(err)
		}
		if _, err := loader.Fetch(ctx, src); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, MLmodelFile)); err != nil {
			t.Errorf("artifacts not restored: %v", err)
		}
	})

	t.Run("prune", func(t *testing.T) {
		if err := loader.Prune(); err != nil {
			t.Fatalf("Prune() error = %v", err)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Error("cached artifacts should be removed")
		}
		idx, err := loader.storage.loadIndex()
		if err != nil {
			t.Fatal(err)
		}
		if len(idx) != 0 {
			t.Errorf("index after prune = %v", idx)
		}
	})
}

func TestModelLoaderConcurrentFetch(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newLoaderClient(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{MLmodelFile: goModelMLmodel, "data/weights.txt": "v1"})

	loader, err := NewModelLoader(c)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loader.Load(ctx, src); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Load() error = %v", err)
	}
}

func TestModelLoaderResolvesRegistryURIs(t *testing.T) {
	ctx := context.Background()
	c, reg, trk := newLoaderClient(t)

	artifacts := t.TempDir()
	writeTree(t, artifacts, map[string]string{
		"churn_acc/" + MLmodelFile:   goModelMLmodel,
		"churn_acc/data/weights.txt": "from-run",
		"sklearn/" + MLmodelFile:     "flavors:\n  sklearn:\n    pickled_model: model.pkl\n",
		"sklearn/model.pkl":          "pickle",
		"unknown/" + MLmodelFile:     "flavors:\n  go_function:\n    loader: not.registered\n",
		"no-metadata/model.bin":      "bin",
		"broken/" + MLmodelFile:      "flavors:\n  go_function:\n    loader: envmlflow_test.weights\n    data: data\n",
		"broken/data/unrelated.txt":  "x",
		"escape/" + MLmodelFile:      "flavors:\n  go_function:\n    loader: envmlflow_test.weights\n    data: ../../outside\n",
		"escape/data/weights.txt":    "x",
	})
	trk.addRun(Run{ID: "abc", ArtifactURI: artifacts})
	reg.addVersion(ModelVersion{Name: "churn_acc", Version: "1", Source: "runs:/abc/churn_acc"})
	reg.latest = []ModelVersion{{Name: "churn_acc", Version: "1", Source: "models:/churn_acc/1"}}

	loader, err := NewModelLoader(c)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("load latest through models uri", func(t *testing.T) {
		inner, err := c.LoadLatest(ctx, loader, "churn", true)
		if err != nil {
			t.Fatalf("LoadLatest() error = %v", err)
		}
		if inner != "from-run" {
			t.Errorf("LoadLatest() = %v, want %q", inner, "from-run")
		}
	})

	t.Run("flavor without loader module", func(t *testing.T) {
		artifact, err := loader.Load(ctx, "runs:/abc/sklearn")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if _, err := Unwrap(artifact); !errors.Is(err, ErrUnsupportedUnwrap) {
			t.Errorf("expected ErrUnsupportedUnwrap, got %v", err)
		}
	})

	t.Run("unregistered loader module", func(t *testing.T) {
		artifact, err := loader.Load(ctx, "runs:/abc/unknown")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if _, err := Unwrap(artifact); !errors.Is(err, ErrUnsupportedUnwrap) {
			t.Errorf("expected ErrUnsupportedUnwrap, got %v", err)
		}
	})

	t.Run("missing MLmodel", func(t *testing.T) {
		if _, err := loader.Load(ctx, "runs:/abc/no-metadata"); !errors.Is(err, ErrStorageError) {
			t.Errorf("expected ErrStorageError, got %v", err)
		}
	})

	t.Run("loader module error", func(t *testing.T) {
		_, err := loader.Load(ctx, "runs:/abc/broken")
		if err == nil || !strings.Contains(err.Error(), testLoaderModule) {
			t.Errorf("expected loader module error, got %v", err)
		}
	})

	t.Run("data path escapes model", func(t *testing.T) {
		if _, err := loader.Load(ctx, "runs:/abc/escape"); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("expected ErrInvalidURI, got %v", err)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		if _, err := loader.Fetch(ctx, "runs:/missing/model"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestModelLoaderConcurrentFetchDistinctURIs(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newLoaderClient(t)
	loader, err := NewModelLoader(c, WithConcurrency(1))
	if err != nil {
		t.Fatal(err)
	}

	const n = 64
	sources := make([]string, n)
	for i := range sources {
		sources[i] = t.TempDir()
		writeTree(t, sources[i], map[string]string{MLmodelFile: goModelMLmodel, "data/weights.txt": "v1"})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, src := range sources {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			if _, err := loader.Fetch(ctx, src); err != nil {
				errs <- err
			}
		}(src)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Fetch() error = %v", err)
	}

	idx, err := loader.storage.loadIndex()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != n {
		t.Errorf("index holds %d entries, want %d", len(idx), n)
	}
	for _, src := range sources {
		if _, ok := idx[src]; !ok {
			t.Errorf("index missing %s", src)
		}
	}
}
