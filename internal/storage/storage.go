package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	cfg "github.com/issm/issm/internal/config"
)

var ErrNotExist = errors.New("object does not exist")

// Storage defines the interface for artifact file operations.
// Paths are slash-separated and relative to the storage root.
type Storage interface {
	// Stage copies r to a temporary location. Nothing is visible at path until Commit.
	Stage(ctx context.Context, path string, r io.Reader) (Staged, error)

	// Open streams the object at path. Missing objects yield ErrNotExist.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object is stored at path
	Exists(ctx context.Context, path string) (bool, error)

	// Locate returns where path lives, preparing the parent location if needed
	Locate(path string) (string, error)
}

// Staged is a fully written but not yet visible object.
// Exactly one of Commit or Discard must be called.
type Staged interface {
	Commit(ctx context.Context) error
	Discard() error
}

// New creates the configured storage backend
func New(c *cfg.Config) (Storage, error) {
	switch c.StorageBackend {
	case "", "local":
		slog.Info("initializing local artifact storage", "root", c.DataPath)
		return NewLocalStorage(c.DataPath)
	case "s3":
		slog.Info("initializing S3 artifact storage",
			"bucket", c.S3Bucket,
			"region", c.S3Region,
			"endpoint", c.S3Endpoint,
			"prefix", c.S3Prefix,
		)
		return NewS3Storage(S3Config{
			Region:    c.S3Region,
			Bucket:    c.S3Bucket,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			Endpoint:  c.S3Endpoint,
			Prefix:    c.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", c.StorageBackend)
	}
}

// contextReader stops a copy once ctx is done so staging never outlives its request
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
