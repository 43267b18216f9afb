// Package objectstore implements the Download(key,path)/Upload(path,key)
// contract TrajectoryCache relies on, backed by S3-compatible storage.
// Uploaded payloads are snappy-compressed in flight and transparently
// decompressed on download.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"simularium/broker/internal/logging"
)

// Store wraps an S3 client with the bucket/prefix conventions §6.5 assigns
// to trajectory cache artifacts.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logging.Logger
}

// Options configures a Store.
type Options struct {
	Bucket string
	Region string
	// Prefix namespaces keys, conventionally "trajectory/<environment>".
	Prefix string
	Logger *logging.Logger
}

// New constructs a Store using the default AWS credential chain resolved
// for the supplied region.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		log:    logger,
	}, nil
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Download fetches the object at key into a local file at path, reporting
// ok=false (not an error) when the object does not exist, so callers can
// fall through to the next preparation step per §7's error taxonomy.
func (s *Store) Download(ctx context.Context, key, path string) (ok bool, err error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		s.log.Debug("objectstore: download miss", logging.String("key", key), logging.Error(err))
		return false, nil
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return false, fmt.Errorf("objectstore: read body for %s: %w", key, err)
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		// Older artifacts may predate compression; fall back to raw bytes.
		decoded = raw
	}
	if err := os.WriteFile(path, decoded, 0o644); err != nil {
		return false, fmt.Errorf("objectstore: write %s: %w", path, err)
	}
	return true, nil
}

// Upload publishes the file at path under key, snappy-compressing it first.
// Re-uploading the same key overwrites the previous object.
func (s *Store) Upload(ctx context.Context, path, key string) (ok bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("objectstore: read %s: %w", path, err)
	}
	compressed := snappy.Encode(nil, raw)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(compressed),
	})
	if err != nil {
		s.log.Error("objectstore: upload failed", logging.String("key", key), logging.Error(err))
		return false, err
	}
	return true, nil
}
