package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// DefaultGCSTimeout bounds a single object operation
const DefaultGCSTimeout = 30 * time.Second

// snapshotCacheControl is set on every object; a snapshot name is never
// reused for different bytes while it is listed
const snapshotCacheControl = "public, max-age=86400, immutable"

// GCSStorage implements Storage on a Google Cloud Storage bucket. Object
// metadata carries the snapshot attributes so a window can be rebuilt from a
// single listing.
type GCSStorage struct {
	bucket  *storage.BucketHandle
	client  *storage.Client
	prefix  string // "" or "<baseDir>/"
	ctx     context.Context
	timeout time.Duration
}

// NewGCSStorage creates a GCS backend rooted at baseDir inside bucketName.
// The bucket must exist and be reachable with the ambient credentials.
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// projectID is only needed to create buckets
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return newGCSStorage(ctx, client, bucket, baseDir), nil
}

func newGCSStorage(ctx context.Context, client *storage.Client, bucket *storage.BucketHandle, baseDir string) *GCSStorage {
	prefix := strings.Trim(baseDir, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &GCSStorage{
		bucket:  bucket,
		client:  client,
		prefix:  prefix,
		ctx:     ctx,
		timeout: DefaultGCSTimeout,
	}
}

func (s *GCSStorage) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.timeout)
}

func (s *GCSStorage) object(path string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + path)
}

// Write uploads data with metadata as custom object metadata
func (s *GCSStorage) Write(path string, data []byte, metadata map[string]string) error {
	ctx, cancel := s.opContext()
	defer cancel()

	w := s.object(path).NewWriter(ctx)
	w.ContentType = ContentType(path)
	w.CacheControl = snapshotCacheControl
	w.Metadata = metadata
	// snapshots are small; send them in one request
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// Read downloads an object
func (s *GCSStorage) Read(path string) ([]byte, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	r, err := s.object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, mapGCSError(err))
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", path, err)
	}
	return data, nil
}

// ReadSeeker returns a ReadSeeker over the object. Snapshots are single
// JPEGs, so the object is read into memory.
func (s *GCSStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	data, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *GCSStorage) Delete(path string) error {
	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.object(path).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *GCSStorage) Exists(path string) (bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

// List returns the objects directly below dir with their metadata
func (s *GCSStorage) List(dir string) ([]Object, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	prefix := s.prefix + strings.Trim(dir, "/") + "/"
	query := &storage.Query{Prefix: prefix, Delimiter: "/"}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Updated", "Metadata"}); err != nil {
		return nil, fmt.Errorf("failed to build listing query: %w", err)
	}

	var objects []Object
	it := s.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		if obj, ok := objectFromAttrs(prefix, attrs); ok {
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// objectFromAttrs converts a listing entry. Synthetic directory entries
// (Prefix set) and folder placeholders are skipped.
func objectFromAttrs(prefix string, attrs *storage.ObjectAttrs) (Object, bool) {
	if attrs.Prefix != "" {
		return Object{}, false
	}
	name := strings.TrimPrefix(attrs.Name, prefix)
	if name == "" || strings.Contains(name, "/") {
		return Object{}, false
	}
	return Object{
		Name:     name,
		Size:     attrs.Size,
		Updated:  attrs.Updated,
		Metadata: attrs.Metadata,
	}, true
}

// mapGCSError turns a missing object into ErrNotFound
func mapGCSError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// GetSignedURL returns a V4 signed GET URL for a snapshot
func (s *GCSStorage) GetSignedURL(path string, expiration time.Duration) (string, error) {
	u, err := s.bucket.SignedURL(s.prefix+path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiration),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", path, err)
	}
	return u, nil
}
