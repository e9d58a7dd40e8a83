package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

// GCSBackend stores objects in a Google Cloud Storage bucket through the JSON API.
type GCSBackend struct {
	svc    *gcs.Service
	bucket string
}

// NewGCSBackend builds the storage service. Credentials come from the
// environment unless opts override them.
func NewGCSBackend(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSBackend, error) {
	opts = append([]option.ClientOption{option.WithScopes(gcs.DevstorageReadWriteScope)}, opts...)
	svc, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}
	return &GCSBackend{svc: svc, bucket: bucket}, nil
}

func (b *GCSBackend) Bucket() string { return b.bucket }

func (b *GCSBackend) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	obj := &gcs.Object{Name: key, ContentType: contentType}
	_, err := b.svc.Objects.Insert(b.bucket, obj).
		Media(r, googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	return err
}

func (b *GCSBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.svc.Objects.Get(b.bucket, key).Context(ctx).Download()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}
