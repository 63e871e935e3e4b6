package envmlflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultLockTimeout is the default timeout for acquiring file locks.
const DefaultLockTimeout = 30 * time.Second

// cacheIndex represents the contents of the local cache.json file.
// Structure: artifact uri → entry
type cacheIndex map[string]cacheEntry

// cacheEntry represents a single downloaded artifact tree.
type cacheEntry struct {
	// Dir is the directory name below the cache root.
	Dir string `json:"dir"`

	// TotalSize is the total size of all files in bytes.
	TotalSize int64 `json:"total_size"`

	// FileCount is the number of files downloaded.
	FileCount int `json:"file_count"`

	// CachedAt is when the artifacts were downloaded.
	CachedAt time.Time `json:"cached_at"`
}

// storageInterface defines operations for the local artifact cache.
// Implemented by *storage for production and fakes in tests.
type storageInterface interface {
	// loadIndex reads and parses the cache.json file.
	loadIndex() (cacheIndex, error)

	// saveIndex atomically writes the index to cache.json.
	saveIndex(idx cacheIndex) error

	// updateIndex applies fn to the index under the index locks and saves it.
	updateIndex(fn func(idx cacheIndex)) error

	// entryPath returns the absolute directory for the artifacts of uri.
	entryPath(uri string) string

	// ensureDir creates a directory and all parent directories if they don't exist.
	ensureDir(path string) error

	// removeEntry removes the cached artifacts of uri.
	removeEntry(uri string) error

	// removeAll removes every cached artifact and the index.
	removeAll() error
}

// storage manages the artifact cache on the local filesystem.
// Implements storageInterface.
type storage struct {
	// baseDir is the base directory for all cache operations.
	baseDir string

	// lockTimeout is the maximum duration to wait for file lock acquisition.
	lockTimeout time.Duration

	// indexMu protects concurrent in-process access to cache.json.
	indexMu sync.RWMutex
}

// Ensure storage implements storageInterface.
var _ storageInterface = (*storage)(nil)

// envVarName constructs an environment variable name from the app name.
// Converts appName to uppercase and appends "_ARTIFACTS_DIR".
// Example: envVarName("envmlflow") returns "ENVMLFLOW_ARTIFACTS_DIR".
func envVarName(appName string) string {
	return strings.ToUpper(appName) + "_ARTIFACTS_DIR"
}

// newStorage creates a new storage instance for the given configuration.
func newStorage(cfg Config) (*storage, error) {
	var baseDir string
	appName := cfg.appName()

	// Priority: env var > Config.CacheDir > platform default
	if envDir := os.Getenv(envVarName(appName)); envDir != "" {
		baseDir = envDir
	} else if cfg.CacheDir != "" {
		baseDir = cfg.CacheDir
	} else {
		defaultDir, err := getDefaultDataDir(appName)
		if err != nil {
			return nil, fmt.Errorf("failed to get default data dir: %w", err)
		}
		baseDir = defaultDir
	}

	s := &storage{baseDir: baseDir, lockTimeout: DefaultLockTimeout}

	if err := s.ensureDir(baseDir); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return s, nil
}

// entryDir returns the directory name for uri: a prefix of its SHA-256.
func entryDir(uri string) string {
	h := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(h[:])[:24]
}

// loadIndex reads and parses the cache.json file.
// Returns an empty index if the file doesn't exist.
func (s *storage) loadIndex() (cacheIndex, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.readIndex()
}

// saveIndex atomically writes the index to cache.json.
// Uses cross-process file locking to prevent concurrent writes from multiple processes.
func (s *storage) saveIndex(idx cacheIndex) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	unlock, err := s.lockIndex()
	if err != nil {
		return err
	}
	defer unlock()

	return s.writeIndex(idx)
}

// updateIndex applies fn to the current index and saves the result. The
// in-process mutex and the cache.json lock are held across the whole
// read-modify-write, so concurrent updates never drop each other's entries.
func (s *storage) updateIndex(fn func(idx cacheIndex)) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	unlock, err := s.lockIndex()
	if err != nil {
		return err
	}
	defer unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	fn(idx)
	return s.writeIndex(idx)
}

// lockIndex takes the cross-process lock on cache.json.
func (s *storage) lockIndex() (func(), error) {
	lock, err := newFileLock(filepath.Join(s.baseDir, "cache.json.lock"), s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create lock: %v", ErrStorageError, err)
	}
	if err := lock.Lock(context.Background()); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: failed to acquire lock: %v", ErrStorageError, err)
	}
	return func() { lock.Unlock() }, nil
}

// readIndex parses cache.json. The caller holds indexMu.
func (s *storage) readIndex() (cacheIndex, error) {
	path := filepath.Join(s.baseDir, "cache.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(cacheIndex), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	var idx cacheIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: invalid cache.json: %v", ErrStorageError, err)
	}
	if idx == nil {
		idx = make(cacheIndex)
	}

	return idx, nil
}

// writeIndex writes cache.json. The caller holds indexMu and the file lock.
func (s *storage) writeIndex(idx cacheIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal index: %v", ErrStorageError, err)
	}
	return atomicWrite(filepath.Join(s.baseDir, "cache.json"), data)
}

// atomicWrite writes data to a file using write-then-rename for atomicity.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrStorageError, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorageError, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorageError, err)
	}

	return nil
}

// entryPath returns the absolute directory for the artifacts of uri.
func (s *storage) entryPath(uri string) string {
	return filepath.Join(s.baseDir, entryDir(uri))
}

// ensureDir creates a directory and all parent directories if they don't exist.
func (s *storage) ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorageError, path, err)
	}
	return nil
}

// removeEntry removes the cached artifacts of uri.
func (s *storage) removeEntry(uri string) error {
	if err := os.RemoveAll(s.entryPath(uri)); err != nil {
		return fmt.Errorf("%w: failed to remove cached artifacts: %v", ErrStorageError, err)
	}
	return nil
}

// removeAll removes every cached artifact and the index.
func (s *storage) removeAll() error {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, e.Name())); err != nil {
			return fmt.Errorf("%w: failed to remove %s: %v", ErrStorageError, e.Name(), err)
		}
	}
	return nil
}
