package storage

import (
	"context"
	"fmt"
	"io"
)

// DefaultMaxObjectSize bounds how much of an object Fetch reads into memory
const DefaultMaxObjectSize = 64 << 20

// Bucket binds a Client to the bucket media originals live in
type Bucket struct {
	Client  Client
	Name    string
	MaxSize int64
}

// Fetch reads the object stored under key. Objects larger than MaxSize are
// rejected before any data is transferred.
func (b *Bucket) Fetch(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	info, err := b.Client.HeadObject(ctx, b.Name, key)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	limit := b.MaxSize
	if limit <= 0 {
		limit = DefaultMaxObjectSize
	}
	if info.Size > limit {
		return nil, info, fmt.Errorf("object %s is %d bytes, larger than the %d byte limit", key, info.Size, limit)
	}

	obj, err := b.Client.GetObject(ctx, b.Name, key)
	if err != nil {
		return nil, info, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, limit+1))
	if err != nil {
		return nil, info, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	// The object may have been replaced between stat and read
	if int64(len(data)) > limit {
		return nil, info, fmt.Errorf("object %s grew past the %d byte limit", key, limit)
	}
	return data, info, nil
}

// Verify checks that the bucket exists
func (b *Bucket) Verify(ctx context.Context) error {
	ok, err := b.Client.BucketExists(ctx, b.Name)
	if err != nil {
		return fmt.Errorf("failed to check media bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("media bucket %q does not exist", b.Name)
	}
	return nil
}
