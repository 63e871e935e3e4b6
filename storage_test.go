package envmlflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEnvVarName(t *testing.T) {
	tests := []struct {
		appName string
		want    string
	}{
		{"envmlflow", "ENVMLFLOW_ARTIFACTS_DIR"},
		{"myapp", "MYAPP_ARTIFACTS_DIR"},
		{"MyApp", "MYAPP_ARTIFACTS_DIR"},
		{"my-app", "MY-APP_ARTIFACTS_DIR"},
	}

	for _, tt := range tests {
		t.Run(tt.appName, func(t *testing.T) {
			if got := envVarName(tt.appName); got != tt.want {
				t.Errorf("envVarName(%q) = %q, want %q", tt.appName, got, tt.want)
			}
		})
	}
}

func TestNewStorage(t *testing.T) {
	t.Run("cache dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		s, err := newStorage(Config{AppName: "testapp", CacheDir: tmpDir})
		if err != nil {
			t.Fatalf("newStorage() error = %v", err)
		}
		if s.baseDir != tmpDir {
			t.Errorf("baseDir = %q, want %q", s.baseDir, tmpDir)
		}
	})

	t.Run("env var takes priority", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv(envVarName("testenvapp"), tmpDir)

		s, err := newStorage(Config{AppName: "testenvapp", CacheDir: "/should/be/ignored"})
		if err != nil {
			t.Fatalf("newStorage() error = %v", err)
		}
		if s.baseDir != tmpDir {
			t.Errorf("baseDir = %q, want %q", s.baseDir, tmpDir)
		}
	})

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		if _, err := newStorage(Config{CacheDir: dir}); err != nil {
			t.Fatalf("newStorage() error = %v", err)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("cache directory not created: %v", err)
		}
	})
}

func TestCacheIndex(t *testing.T) {
	s, err := newStorage(Config{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	idx, err := s.loadIndex()
	if err != nil {
		t.Fatalf("loadIndex() on empty cache error = %v", err)
	}
	if len(idx) != 0 {
		t.Errorf("expected empty index, got %v", idx)
	}

	cachedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	idx["s3://bucket/model"] = cacheEntry{Dir: entryDir("s3://bucket/model"), TotalSize: 42, FileCount: 2, CachedAt: cachedAt}
	if err := s.saveIndex(idx); err != nil {
		t.Fatalf("saveIndex() error = %v", err)
	}

	got, err := s.loadIndex()
	if err != nil {
		t.Fatalf("loadIndex() error = %v", err)
	}
	entry, ok := got["s3://bucket/model"]
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if entry.TotalSize != 42 || entry.FileCount != 2 || !entry.CachedAt.Equal(cachedAt) {
		t.Errorf("entry = %+v", entry)
	}

	t.Run("corrupt index", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(s.baseDir, "cache.json"), []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.loadIndex(); err == nil {
			t.Error("expected error for corrupt cache.json")
		}
	})
}

func TestUpdateIndexConcurrent(t *testing.T) {
	s, err := newStorage(Config{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uri := fmt.Sprintf("s3://bucket/model-%d", i)
			err := s.updateIndex(func(idx cacheIndex) {
				idx[uri] = cacheEntry{Dir: entryDir(uri), FileCount: i}
			})
			if err != nil {
				t.Errorf("updateIndex() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	idx, err := s.loadIndex()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != n {
		t.Errorf("index holds %d entries, want %d", len(idx), n)
	}

	t.Run("corrupt index is not overwritten", func(t *testing.T) {
		path := filepath.Join(s.baseDir, "cache.json")
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		called := false
		if err := s.updateIndex(func(cacheIndex) { called = true }); err == nil {
			t.Error("expected error for corrupt cache.json")
		}
		if called {
			t.Error("update applied to an unreadable index")
		}
	})
}

func TestEntryPath(t *testing.T) {
	s := &storage{baseDir: t.TempDir()}

	a := s.entryPath("s3://bucket/a")
	b := s.entryPath("s3://bucket/b")
	if a == b {
		t.Error("different uris must map to different directories")
	}
	if a != s.entryPath("s3://bucket/a") {
		t.Error("entryPath must be deterministic")
	}
	if filepath.Dir(a) != s.baseDir {
		t.Errorf("entryPath() = %q, want directly below %q", a, s.baseDir)
	}
	if len(filepath.Base(a)) != 24 {
		t.Errorf("entry dir = %q, want 24 hex characters", filepath.Base(a))
	}
}

func TestRemove(t *testing.T) {
	s, err := newStorage(Config{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	dir := s.entryPath("uri")
	writeTree(t, dir, map[string]string{"MLmodel": "m"})
	if err := s.saveIndex(cacheIndex{"uri": {Dir: filepath.Base(dir)}}); err != nil {
		t.Fatal(err)
	}

	if err := s.removeEntry("uri"); err != nil {
		t.Fatalf("removeEntry() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("entry directory should be removed")
	}
	if err := s.removeEntry("uri"); err != nil {
		t.Errorf("removeEntry() on missing entry error = %v", err)
	}

	writeTree(t, dir, map[string]string{"MLmodel": "m"})
	if err := s.removeAll(); err != nil {
		t.Fatalf("removeAll() error = %v", err)
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".lock" {
			t.Errorf("unexpected entry after removeAll: %s", e.Name())
		}
	}
}

func TestAtomicWrite(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	testData := []byte("hello world")

	if err := atomicWrite(testFile, testData); err != nil {
		t.Fatalf("atomicWrite() error = %v", err)
	}

	got, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(testData) {
		t.Errorf("file content = %q, want %q", string(got), string(testData))
	}
	if _, err := os.Stat(testFile + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not exist after atomic write")
	}
}
