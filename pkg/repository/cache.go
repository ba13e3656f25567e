package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
)

var errCacheMiss = errors.New("not cached")

// Cache stores fetched debug files keyed by module identity.
type Cache interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
}

// ObjstoreCache implements Cache on top of an object storage bucket.
type ObjstoreCache struct {
	bucket objstore.Bucket
}

func NewObjstoreCache(bucket objstore.Bucket) *ObjstoreCache {
	return &ObjstoreCache{bucket: bucket}
}

// NewFilesystemCache returns a cache rooted at dir, creating it if needed.
func NewFilesystemCache(dir string) (*ObjstoreCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &ResourceError{Op: "create cache directory", Err: err}
	}
	bucket, err := filesystem.NewBucket(dir)
	if err != nil {
		return nil, &ResourceError{Op: "open cache directory", Err: err}
	}
	return NewObjstoreCache(bucket), nil
}

func (c *ObjstoreCache) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := c.bucket.Get(ctx, key)
	if err != nil {
		if c.bucket.IsObjNotFoundErr(err) {
			return nil, errCacheMiss
		}
		return nil, fmt.Errorf("get from cache: %w", err)
	}
	return r, nil
}

func (c *ObjstoreCache) Put(ctx context.Context, key string, r io.Reader) error {
	return c.bucket.Upload(ctx, key, r)
}

// NullCache implements Cache but stores nothing.
type NullCache struct{}

func (NullCache) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errCacheMiss
}

func (NullCache) Put(context.Context, string, io.Reader) error {
	return nil
}

func cacheKey(id string) string {
	return id + "/debuginfo"
}
