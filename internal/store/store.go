// Package store persists uploaded images and their metadata.
//
// Two backends implement the same narrow interface: DiskStore writes blobs
// with JSON metadata sidecars under a data directory, S3Store does the same
// against a bucket/prefix. The admission core never touches storage; a
// failed Save simply means the upload is never recorded against quota.
package store

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

// ErrNotFound is returned by Open/Stat for unknown ids.
var ErrNotFound = errors.New("image not found")

// Meta describes one stored image. Written as JSON next to the blob.
type Meta struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name,omitempty"`
	ContentType  string    `json:"content_type"`
	Format       string    `json:"format"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Store is the persistence boundary for image blobs + metadata.
type Store interface {
	// Save persists the blob and its metadata. meta.ID must be a valid id.
	Save(ctx context.Context, meta Meta, data []byte) error

	// Open returns the blob bytes and metadata for id, or ErrNotFound.
	// Caller closes the reader.
	Open(ctx context.Context, id string) (io.ReadCloser, Meta, error)

	// Stat returns metadata only, or ErrNotFound.
	Stat(ctx context.Context, id string) (Meta, error)

	// List returns metadata for every stored image, newest first.
	List(ctx context.Context) ([]Meta, error)
}

// ids are short url-safe tokens; anything else is rejected before it can
// reach the filesystem or bucket key space
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// ValidID reports whether id is safe to use as a storage key.
func ValidID(id string) bool {
	return validID.MatchString(id)
}
