// Package storage reads media originals from the source site's
// S3-compatible bucket.
package storage

import (
	"context"
	"io"
	"time"
)

// Client defines the read operations the media phase needs
type Client interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
}
