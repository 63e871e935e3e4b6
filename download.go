package envmlflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// transferJob represents a unit of work for the transfer worker pool.
type transferJob struct {
	// file is the artifact file to transfer.
	file artifactFile

	// index is the position of this file in the listing.
	index int
}

// transferResult contains the result of a single file transfer.
type transferResult struct {
	// index identifies which file this result is for.
	index int

	// err is nil on success, or the error that occurred.
	err error

	// bytes is the number of bytes transferred.
	bytes int64
}

// transferEngine copies artifact files between a repository and a local
// directory with parallel workers.
type transferEngine struct {
	// repo is the remote side of the transfer.
	repo artifactRepository

	// logger receives diagnostic messages.
	logger Logger

	// wg tracks active workers for graceful shutdown.
	wg sync.WaitGroup

	// bytesTransferred counts bytes copied across all workers.
	bytesTransferred int64
}

// newTransferEngine creates a new transfer engine for repo.
func newTransferEngine(repo artifactRepository, logger Logger) *transferEngine {
	return &transferEngine{
		repo:   repo,
		logger: loggerOrNop(logger),
	}
}

// run executes fn for every file with concurrency workers. The first error
// cancels the remaining work and is returned.
func (e *transferEngine) run(ctx context.Context, files []artifactFile, concurrency int, fn func(ctx context.Context, f artifactFile) (int64, error)) error {
	if len(files) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	jobs := make(chan transferJob, len(files))
	results := make(chan transferResult, len(files))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.worker(ctx, jobs, results, fn)
	}

	for i, f := range files {
		jobs <- transferJob{file: f, index: i}
	}
	close(jobs)

	var firstErr error
	completed := 0

resultLoop:
	for completed < len(files) {
		select {
		case result := <-results:
			if result.err != nil && firstErr == nil {
				firstErr = result.err
				cancel()
			}
			completed++
			atomic.AddInt64(&e.bytesTransferred, result.bytes)
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break resultLoop
		}
	}

	e.wg.Wait()

	return firstErr
}

// worker processes transfer jobs until jobs is closed or ctx is done.
func (e *transferEngine) worker(ctx context.Context, jobs <-chan transferJob, results chan<- transferResult, fn func(ctx context.Context, f artifactFile) (int64, error)) {
	defer e.wg.Done()

	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}

			n, err := fn(ctx, job.file)
			select {
			case results <- transferResult{index: job.index, err: err, bytes: n}:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// download copies every file below root into dst. A root that is a single
// file is written to dst/<base name of root>.
func (e *transferEngine) download(ctx context.Context, root, dst string, concurrency int) error {
	files, err := e.repo.list(ctx, root)
	if err != nil {
		return err
	}

	return e.run(ctx, files, concurrency, func(ctx context.Context, f artifactFile) (int64, error) {
		rel := f.Path
		if rel == "" {
			rel = baseName(root)
		}
		target, err := safeJoin(dst, rel)
		if err != nil {
			return 0, err
		}

		r, err := e.repo.open(ctx, root, f.Path)
		if err != nil {
			return 0, fmt.Errorf("downloading %s: %w", rel, err)
		}
		defer r.Close()

		n, err := writeFileAtomic(target, r)
		if err != nil {
			return 0, fmt.Errorf("downloading %s: %w", rel, err)
		}
		e.logger.Debug("artifact downloaded", "path", rel, "size", n)
		return n, nil
	})
}

// upload copies every file below the local directory src to root.
func (e *transferEngine) upload(ctx context.Context, src, root string, concurrency int) error {
	files, err := fileRepository{}.list(ctx, src)
	if err != nil {
		return err
	}

	return e.run(ctx, files, concurrency, func(ctx context.Context, f artifactFile) (int64, error) {
		local, err := os.Open(filepath.Join(src, filepath.FromSlash(f.Path)))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		defer local.Close()

		if err := e.repo.put(ctx, root, f.Path, local, f.Size); err != nil {
			return 0, fmt.Errorf("uploading %s: %w", f.Path, err)
		}
		e.logger.Debug("artifact uploaded", "path", f.Path, "size", f.Size)
		return f.Size, nil
	})
}

// writeFileAtomic streams r into path using write-then-rename. The temp file
// has a unique name so sibling artifacts never share it.
func writeFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("%w: failed to create directory: %v", ErrStorageError, err)
	}

	f, err := os.CreateTemp(dir, ".dl-*")
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create temp file: %v", ErrStorageError, err)
	}
	tmp := f.Name()

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: failed to write temp file: %v", ErrStorageError, err)
	}

	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: failed to rename temp file: %v", ErrStorageError, err)
	}
	return n, nil
}

// safeJoin joins a slash-separated relative path onto dir, refusing paths
// that escape it.
func safeJoin(dir, rel string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if target != dir && !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: artifact path %q escapes destination", ErrInvalidURI, rel)
	}
	return target, nil
}

// baseName returns the last element of a slash or OS separated path.
func baseName(p string) string {
	p = strings.TrimRight(filepath.ToSlash(p), "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
