package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const uploadTimeout = 2 * time.Minute

// bucket is the part of a storage bucket the archive uses.
type bucket interface {
	NewWriter(ctx context.Context, object, contentType string) io.WriteCloser
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
}

type gcsBucket struct {
	h *storage.BucketHandle
}

func (b gcsBucket) NewWriter(ctx context.Context, object, contentType string) io.WriteCloser {
	w := b.h.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (b gcsBucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	r, err := b.h.Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", object, ErrNotFound)
	}
	return r, err
}

// GCS is an archive in a Cloud Storage bucket. Credentials come from
// Application Default Credentials unless opts say otherwise.
type GCS struct {
	client *storage.Client
	bucket bucket
	name   string
	prefix string
}

// NewGCS connects to bucketName. Object names are joined to prefix.
func NewGCS(ctx context.Context, bucketName, prefix string, opts ...option.ClientOption) (*GCS, error) {
	if bucketName == "" {
		return nil, errors.New("archive: empty bucket")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: gcsBucket{h: client.Bucket(bucketName)},
		name:   bucketName,
		prefix: prefix,
	}, nil
}

func (g *GCS) object(name string) string {
	return path.Join(g.prefix, name)
}

// Put uploads body. The upload is final only once the writer closes.
func (g *GCS) Put(ctx context.Context, name string, body []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	object := g.object(name)
	w := g.bucket.NewWriter(ctx, object, contentType)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", g.name, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", g.name, object, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.name, object), nil
}

func (g *GCS) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := g.bucket.NewReader(ctx, g.object(name))
	if err != nil {
		return nil, err
	}
	return readAll(r)
}

func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
