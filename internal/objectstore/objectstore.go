// Package objectstore defines the object-storage collaborator contract
// used to persist captured photos (§1 "Out of scope: an object-storage
// interface for captured media"), plus a GCS-backed implementation.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	retry "github.com/avast/retry-go/v4"
)

// Store is the contract the media upload flow consumes. Only the methods
// the photo-upload path needs are specified; a full bucket browser is out
// of scope for this core.
type Store interface {
	// Put uploads the bytes read from r at path and returns a URL the
	// TPA/gallery can later use to fetch it.
	Put(ctx context.Context, path string, r io.Reader, contentType string) (url string, err error)
}

// GCSStore is the default Store backed by Google Cloud Storage, adapted
// from the filestore GCS backend this codebase's ancestry ships.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func NewGCSStore(ctx context.Context, client *storage.Client, bucketName string) *GCSStore {
	return &GCSStore{client: client, bucket: client.Bucket(bucketName)}
}

func (s *GCSStore) Put(ctx context.Context, path string, r io.Reader, contentType string) (string, error) {
	// Buffer first: photo uploads are bounded in size and retry-go's
	// retries need a reader it can replay on each attempt.
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("objectstore: read upload body: %w", err)
	}

	obj := s.bucket.Object(path)

	var url string
	err = retry.Do(
		func() error {
			w := obj.NewWriter(ctx)
			w.ContentType = contentType
			if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
				_ = w.Close()
				return fmt.Errorf("objectstore: write %s: %w", path, err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("objectstore: close %s: %w", path, err)
			}
			attrs, err := obj.Attrs(ctx)
			if err != nil {
				return fmt.Errorf("objectstore: attrs %s: %w", path, err)
			}
			url = attrs.MediaLink
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return "", err
	}
	return url, nil
}
