package envmlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// artifactFile is a file below an artifact root.
type artifactFile struct {
	// Path is slash-separated and relative to the root.
	Path string

	// Size is the file size in bytes, or -1 if unknown.
	Size int64
}

// artifactRepository reads and writes files below artifact roots of one
// storage backend.
type artifactRepository interface {
	// list returns all files below root, recursively, sorted by path.
	// A root that is itself a file is returned as a single entry with an empty Path.
	list(ctx context.Context, root string) ([]artifactFile, error)

	// open returns the contents of root/rel.
	open(ctx context.Context, root, rel string) (io.ReadCloser, error)

	// put writes r to root/rel.
	put(ctx context.Context, root, rel string, r io.Reader, size int64) error
}

// joinArtifactPath joins slash-separated artifact path elements.
func joinArtifactPath(root, rel string) string {
	if rel == "" {
		return root
	}
	if root == "" {
		return rel
	}
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(rel, "/")
}

// fileRepository stores artifacts on the local filesystem.
type fileRepository struct{}

func (fileRepository) list(ctx context.Context, root string) ([]artifactFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if !info.IsDir() {
		return []artifactFile{{Path: "", Size: info.Size()}}, nil
	}

	var files []artifactFile
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, artifactFile{Path: filepath.ToSlash(rel), Size: fi.Size()})
		return nil
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrStorageError, root, err)
	}
	return files, nil
}

func (fileRepository) open(ctx context.Context, root, rel string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return f, nil
}

func (fileRepository) put(ctx context.Context, root, rel string, r io.Reader, size int64) error {
	dst := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrStorageError, dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

// s3API is the subset of *s3.Client used for artifacts.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Repository stores artifacts in a bucket. Roots have the form "bucket/prefix".
type s3Repository struct {
	client s3API
}

// splitBucket splits "bucket/key" into its parts.
func splitBucket(root string) (bucket, key string) {
	bucket, key, _ = strings.Cut(root, "/")
	return bucket, key
}

func (r *s3Repository) list(ctx context.Context, root string) ([]artifactFile, error) {
	bucket, prefix := splitBucket(root)
	dirPrefix := prefix
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var files []artifactFile
	var token *string
	for {
		out, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: listing s3://%s: %v", ErrStorageError, root, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			size := aws.ToInt64(obj.Size)
			switch {
			case key == prefix:
				files = append(files, artifactFile{Path: "", Size: size})
			case strings.HasPrefix(key, dirPrefix) && !strings.HasSuffix(key, "/"):
				files = append(files, artifactFile{Path: strings.TrimPrefix(key, dirPrefix), Size: size})
			}
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (r *s3Repository) open(ctx context.Context, root, rel string) (io.ReadCloser, error) {
	bucket, key := splitBucket(joinArtifactPath(root, rel))
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("%w: reading s3://%s/%s: %v", ErrStorageError, bucket, key, err)
	}
	return out.Body, nil
}

func (r *s3Repository) put(ctx context.Context, root, rel string, body io.Reader, size int64) error {
	bucket, key := splitBucket(joinArtifactPath(root, rel))
	input := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: body}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := r.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("%w: writing s3://%s/%s: %v", ErrStorageError, bucket, key, err)
	}
	return nil
}

// newS3Client creates an S3 client from the default AWS credential chain.
// A custom endpoint (MinIO) switches to path-style addressing.
func newS3Client(ctx context.Context, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config: %v", ErrStorageError, err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if o.Region == "" {
			o.Region = "us-east-1"
		}
	}), nil
}

// proxyRepository uses the tracking server's artifact proxy
// (mlflow-artifacts:/ URIs). Roots are paths below the proxy root.
type proxyRepository struct {
	rest *RESTClient
}

const proxyPrefix = "/api/2.0/mlflow-artifacts/artifacts"

func (r *proxyRepository) fileURL(p string) string {
	return r.rest.trackingURL + proxyPrefix + "/" + strings.TrimLeft(p, "/")
}

func (r *proxyRepository) list(ctx context.Context, root string) ([]artifactFile, error) {
	var files []artifactFile
	var walk func(dir string) error
	walk = func(dir string) error {
		q := url.Values{"path": {dir}}
		resp, err := r.rest.do(ctx, http.MethodGet, r.rest.trackingURL+proxyPrefix+"?"+q.Encode(), nil, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return decodeAPIError(resp)
		}

		var listing struct {
			Files []struct {
				Path     string          `json:"path"`
				IsDir    bool            `json:"is_dir"`
				FileSize json.RawMessage `json:"file_size"`
			} `json:"files"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return fmt.Errorf("parsing artifact listing: %w", ErrRegistryError)
		}
		for _, f := range listing.Files {
			full := joinArtifactPath(dir, f.Path)
			if f.IsDir {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(full, strings.TrimRight(root, "/")), "/")
			files = append(files, artifactFile{Path: rel, Size: parseJSONInt(f.FileSize)})
		}
		return nil
	}
	if err := walk(strings.TrimRight(root, "/")); err != nil {
		return nil, err
	}

	// An empty listing means root names a single file.
	if len(files) == 0 {
		files = append(files, artifactFile{Path: "", Size: -1})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (r *proxyRepository) open(ctx context.Context, root, rel string) (io.ReadCloser, error) {
	p := joinArtifactPath(root, rel)
	resp, err := r.rest.do(ctx, http.MethodGet, r.fileURL(p), nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}

func (r *proxyRepository) put(ctx context.Context, root, rel string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	resp, err := r.rest.do(ctx, http.MethodPut, r.fileURL(joinArtifactPath(root, rel)), data, "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	return nil
}

// artifactResolver maps artifact URIs onto repositories.
type artifactResolver struct {
	// tracking resolves runs:/ URIs.
	tracking Tracking

	// registry resolves models:/ URIs.
	registry Registry

	// rest serves mlflow-artifacts:/ URIs. May be nil.
	rest *RESTClient

	// s3Endpoint overrides the S3 endpoint.
	s3Endpoint string

	s3Once sync.Once
	s3     artifactRepository
	s3Err  error
}

// maxResolveDepth bounds runs:/ and models:/ indirections.
const maxResolveDepth = 4

// resolve returns the repository and root for uri.
func (a *artifactResolver) resolve(ctx context.Context, uri string) (artifactRepository, string, error) {
	return a.resolveDepth(ctx, uri, 0)
}

func (a *artifactResolver) resolveDepth(ctx context.Context, uri string, depth int) (artifactRepository, string, error) {
	if uri == "" {
		return nil, "", fmt.Errorf("%w: empty uri", ErrInvalidURI)
	}
	if depth > maxResolveDepth {
		return nil, "", fmt.Errorf("%w: too many indirections resolving %s", ErrInvalidURI, uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	// A one letter scheme is a Windows drive.
	scheme := u.Scheme
	if len(scheme) == 1 {
		scheme = ""
	}

	switch scheme {
	case "", "file":
		p := u.Path
		if scheme == "" {
			p = uri
		}
		if p == "" {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
		}
		return fileRepository{}, filepath.FromSlash(p), nil

	case "s3":
		a.s3Once.Do(func() {
			client, err := newS3Client(ctx, a.s3Endpoint)
			if err != nil {
				a.s3Err = err
				return
			}
			a.s3 = &s3Repository{client: client}
		})
		if a.s3Err != nil {
			return nil, "", a.s3Err
		}
		return a.s3, joinArtifactPath(u.Host, strings.TrimLeft(u.Path, "/")), nil

	case "mlflow-artifacts":
		if a.rest == nil {
			return nil, "", fmt.Errorf("%w: %s requires an MLflow REST tracking server", ErrInvalidURI, uri)
		}
		return &proxyRepository{rest: a.rest}, strings.TrimLeft(u.Path, "/"), nil

	case "http", "https":
		// Only artifact proxy URLs of the tracking server are served.
		if a.rest == nil {
			return nil, "", fmt.Errorf("%w: %s requires an MLflow REST tracking server", ErrInvalidURI, uri)
		}
		rel, ok := strings.CutPrefix(uri, a.rest.trackingURL+proxyPrefix)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s is not an artifact proxy url of %s", ErrInvalidURI, uri, a.rest.trackingURL)
		}
		return &proxyRepository{rest: a.rest}, strings.TrimLeft(rel, "/"), nil

	case "runs":
		runID, rel := splitSchemePath(u)
		if runID == "" {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
		}
		if a.tracking == nil {
			return nil, "", fmt.Errorf("%w: %s requires a tracking delegate", ErrInvalidURI, uri)
		}
		run, err := a.tracking.GetRun(ctx, runID)
		if err != nil {
			return nil, "", err
		}
		return a.resolveDepth(ctx, joinArtifactPath(run.ArtifactURI, rel), depth+1)

	case "models":
		name, version := splitSchemePath(u)
		if name == "" || version == "" {
			return nil, "", fmt.Errorf("%w: %s (want models:/<name>/<version>)", ErrInvalidURI, uri)
		}
		if a.registry == nil {
			return nil, "", fmt.Errorf("%w: %s requires a registry delegate", ErrInvalidURI, uri)
		}
		source, err := a.registry.GetModelVersionDownloadURI(ctx, name, version)
		if err != nil {
			return nil, "", err
		}
		return a.resolveDepth(ctx, source, depth+1)
	}

	return nil, "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
}

// splitSchemePath splits "scheme:/first/rest/of/path" into first and rest.
func splitSchemePath(u *url.URL) (first, rest string) {
	p := path.Clean("/" + u.Host + "/" + u.Path)
	first, rest, _ = strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return first, rest
}
