package envmlflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Loader loads a model artifact from a URI, typically a model version source.
type Loader interface {
	Load(ctx context.Context, uri string) (any, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, uri string) (any, error)

// Load calls f(ctx, uri).
func (f LoaderFunc) Load(ctx context.Context, uri string) (any, error) {
	return f(ctx, uri)
}

// Wrapper is implemented by loaded artifacts that wrap a custom model
// implementation.
type Wrapper interface {
	// Unwrap returns the inner implementation, or nil if there is none.
	Unwrap() any
}

// Unwrap returns the inner implementation of artifact.
// Returns ErrUnsupportedUnwrap if artifact is not a Wrapper or wraps nothing.
func Unwrap(artifact any) (any, error) {
	w, ok := artifact.(Wrapper)
	if !ok {
		return nil, fmt.Errorf("%T: %w", artifact, ErrUnsupportedUnwrap)
	}
	inner := w.Unwrap()
	if inner == nil {
		return nil, fmt.Errorf("%T: %w", artifact, ErrUnsupportedUnwrap)
	}
	return inner, nil
}

// LoaderModuleFunc builds a model implementation from the data directory of
// a downloaded model.
type LoaderModuleFunc func(dataPath string) (any, error)

var (
	loaderModulesMu sync.RWMutex
	loaderModules   = make(map[string]LoaderModuleFunc)
)

// RegisterLoaderModule makes a loader module available by name to every
// ModelLoader. It panics if fn is nil or name is registered twice.
func RegisterLoaderModule(name string, fn LoaderModuleFunc) {
	loaderModulesMu.Lock()
	defer loaderModulesMu.Unlock()
	if fn == nil {
		panic("envmlflow: RegisterLoaderModule fn is nil")
	}
	if _, dup := loaderModules[name]; dup {
		panic("envmlflow: RegisterLoaderModule called twice for " + name)
	}
	loaderModules[name] = fn
}

// LoaderModules returns the sorted names of the registered loader modules.
func LoaderModules() []string {
	loaderModulesMu.RLock()
	defer loaderModulesMu.RUnlock()
	names := make([]string, 0, len(loaderModules))
	for name := range loaderModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupLoaderModule(name string) (LoaderModuleFunc, bool) {
	loaderModulesMu.RLock()
	defer loaderModulesMu.RUnlock()
	fn, ok := loaderModules[name]
	return fn, ok
}

// Model is a downloaded model. It implements Wrapper when its MLmodel names
// a registered loader module.
type Model struct {
	// Path is the local directory holding the model artifacts.
	Path string

	// Meta is the parsed MLmodel file.
	Meta MLmodel

	impl any
}

// Unwrap returns the implementation built by the model's loader module, or nil.
func (m *Model) Unwrap() any {
	return m.impl
}

// ModelLoader downloads model artifacts into a local cache and loads them.
// It is safe for concurrent use.
type ModelLoader struct {
	resolver *artifactResolver
	storage  storageInterface
	logger   Logger
	cfg      *loaderConfig
}

// Ensure ModelLoader implements Loader.
var _ Loader = (*ModelLoader)(nil)

// NewModelLoader creates a loader that resolves runs:/ and models:/ URIs with
// the delegates of c and caches artifacts below the cache directory of c's
// configuration.
func NewModelLoader(c *Client, opts ...LoaderOption) (*ModelLoader, error) {
	lcfg := newLoaderConfig()
	for _, opt := range opts {
		opt(lcfg)
	}

	storage, err := newStorage(c.cfg)
	if err != nil {
		return nil, err
	}

	return &ModelLoader{
		resolver: c.resolver(),
		storage:  storage,
		logger:   c.logger,
		cfg:      lcfg,
	}, nil
}

// Load downloads the artifacts at uri, parses their MLmodel file and builds
// the inner implementation if a loader module is registered for it.
func (l *ModelLoader) Load(ctx context.Context, uri string) (any, error) {
	dir, err := l.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}

	meta, err := readMLmodel(dir)
	if err != nil {
		return nil, err
	}

	model := &Model{Path: dir, Meta: meta}

	module, data := meta.LoaderModule()
	if module == "" {
		return model, nil
	}
	fn, ok := lookupLoaderModule(module)
	if !ok {
		l.logger.Debug("loader module not registered", "module", module, "uri", uri)
		return model, nil
	}

	dataPath := dir
	if data != "" {
		dataPath, err = safeJoin(dir, data)
		if err != nil {
			return nil, err
		}
	}
	impl, err := fn(dataPath)
	if err != nil {
		return nil, fmt.Errorf("loader module %s: %w", module, err)
	}
	model.impl = impl
	return model, nil
}

// Fetch downloads the artifacts at uri into the cache, unless they are
// already cached, and returns the local directory.
func (l *ModelLoader) Fetch(ctx context.Context, uri string) (string, error) {
	dir := l.storage.entryPath(uri)

	// Serialize fetches of the same uri across processes.
	lock, err := newFileLock(dir+".lock", DefaultLockTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create fetch lock: %v", ErrStorageError, err)
	}
	if err := lock.Lock(ctx); err != nil {
		lock.Unlock()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: another process is fetching %s: %v", ErrStorageError, uri, err)
	}
	defer lock.Unlock()

	if !l.cfg.force {
		idx, err := l.storage.loadIndex()
		if err != nil {
			return "", err
		}
		if _, ok := idx[uri]; ok {
			if _, err := os.Stat(dir); err == nil {
				l.logger.Debug("artifact cache hit", "uri", uri, "dir", dir)
				return dir, nil
			}
		}
	}

	repo, root, err := l.resolver.resolve(ctx, uri)
	if err != nil {
		return "", err
	}

	if err := l.storage.removeEntry(uri); err != nil {
		return "", err
	}
	if err := l.storage.ensureDir(dir); err != nil {
		return "", err
	}

	engine := newTransferEngine(repo, l.logger)
	if err := engine.download(ctx, root, dir, l.cfg.concurrency); err != nil {
		l.storage.removeEntry(uri)
		return "", fmt.Errorf("downloading %s: %w", uri, err)
	}

	fileCount, err := countFiles(dir)
	if err != nil {
		return "", err
	}

	entry := cacheEntry{
		Dir:       filepath.Base(dir),
		TotalSize: engine.bytesTransferred,
		FileCount: fileCount,
		CachedAt:  time.Now(),
	}
	if err := l.storage.updateIndex(func(idx cacheIndex) { idx[uri] = entry }); err != nil {
		return "", err
	}

	l.logger.Info("artifacts downloaded", "uri", uri, "files", fileCount, "bytes", engine.bytesTransferred)
	return dir, nil
}

// Prune removes all cached artifacts.
func (l *ModelLoader) Prune() error {
	return l.storage.removeAll()
}

// countFiles counts the regular files below dir.
func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return n, nil
}
