// Package assets stores original media and derived renditions, on the local
// filesystem or in S3. A rendition is addressed by (asset id, name); saving
// the same name again overwrites in place, which is what lets the media
// handlers re-run safely after a crash.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// OriginalName is the canonical rendition ingest writes and every other
	// job type reads.
	OriginalName = "original.jpg"
	// PreviewName is the catalog preview rendition.
	PreviewName = "preview.jpg"
)

// ErrNotFound reports that an asset has no stored rendition with that name.
var ErrNotFound = errors.New("asset rendition not found")

// Store is the storage collaborator the media handlers depend on.
type Store interface {
	// Load fetches the canonical original rendition for an asset.
	Load(ctx context.Context, assetID string) ([]byte, error)
	// SaveVariant writes a named rendition, replacing any previous copy, and
	// returns its storage location.
	SaveVariant(ctx context.Context, assetID, name string, data []byte, contentType string) (string, error)
}

// Local keeps renditions under baseDir/<asset-id>/<name>.
type Local struct {
	baseDir string
}

// NewLocal builds a filesystem store rooted at baseDir. Directories are
// created lazily on first write.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Load(_ context.Context, assetID string) ([]byte, error) {
	data, err := os.ReadFile(l.path(assetID, OriginalName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, assetID, OriginalName)
	}
	if err != nil {
		return nil, fmt.Errorf("read rendition: %w", err)
	}
	return data, nil
}

func (l *Local) SaveVariant(_ context.Context, assetID, name string, data []byte, _ string) (string, error) {
	path := l.path(assetID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write rendition: %w", err)
	}
	return path, nil
}

func (l *Local) path(assetID, name string) string {
	return filepath.Join(l.baseDir, sanitizeKey(assetID), sanitizeKey(name))
}

// sanitizeKey strips path traversal out of externally supplied ids and
// rendition names. After Clean any remaining ".." elements are leading, so
// dropping those is enough to keep keys inside the base.
func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	if key == ".." || key == "." || key == "" {
		key = "_"
	}
	return key
}

// S3Options configures the S3-backed store. Endpoint and PathStyle exist for
// MinIO-style deployments.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3 keeps renditions as <asset-id>/<name> objects in one bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds the store with a client from the default AWS config chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return NewS3FromClient(client, opts.Bucket), nil
}

// NewS3FromClient wraps an existing client.
func NewS3FromClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Load(ctx context.Context, assetID string) ([]byte, error) {
	key := s.key(assetID, OriginalName)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (s *S3) SaveVariant(ctx context.Context, assetID, name string, data []byte, contentType string) (string, error) {
	key := s.key(assetID, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3) key(assetID, name string) string {
	return sanitizeKey(assetID) + "/" + sanitizeKey(name)
}

var (
	_ Store = (*Local)(nil)
	_ Store = (*S3)(nil)
)
