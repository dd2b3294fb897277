package storage

import (
	"context"
	"fmt"
	"io"
)

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// CoverStore stores book cover images in an object-storage backend.
// Keys are derived from the book id, so re-uploading a cover replaces
// the previous one.
type CoverStore struct {
	backend ObjectStorage
}

// NewCoverStore constructs a CoverStore for the provided backend.
func NewCoverStore(backend ObjectStorage) *CoverStore {
	return &CoverStore{backend: backend}
}

// CoverKey returns the object key used for a book's cover image.
func CoverKey(bookID int) string {
	return fmt.Sprintf("covers/%d", bookID)
}

// EnsureBucket ensures the configured bucket exists.
func (s *CoverStore) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// PutCover uploads a book's cover image and returns its object key.
func (s *CoverStore) PutCover(ctx context.Context, bookID int, r io.Reader, size int64, contentType string) (string, error) {
	key := CoverKey(bookID)
	if err := s.backend.Put(ctx, key, r, size, contentType); err != nil {
		return "", err
	}
	return key, nil
}

// GetCover opens a reader for a stored cover image.
func (s *CoverStore) GetCover(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// DeleteCover removes a stored cover image.
func (s *CoverStore) DeleteCover(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *CoverStore) Bucket() string {
	return s.backend.Bucket()
}
