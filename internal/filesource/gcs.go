package filesource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"golang-trust-loader/internal/fileselect"
	apperrors "golang-trust-loader/pkg/errors"
)

const defaultGCSPageSize = 1000

// GCSAPI is the subset of bucket operations used by GCSStore
type GCSAPI interface {
	Objects(ctx context.Context, q *storage.Query) iterator.Pageable
	Attrs(ctx context.Context, key string) (*storage.ObjectAttrs, error)
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
}

// bucketAPI adapts a bucket handle to GCSAPI.
type bucketAPI struct {
	bucket *storage.BucketHandle
}

func (b bucketAPI) Objects(ctx context.Context, q *storage.Query) iterator.Pageable {
	return b.bucket.Objects(ctx, q)
}

func (b bucketAPI) Attrs(ctx context.Context, key string) (*storage.ObjectAttrs, error) {
	return b.bucket.Object(key).Attrs(ctx)
}

func (b bucketAPI) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GCSStore reads input files from a Google Cloud Storage bucket.
type GCSStore struct {
	api      GCSAPI
	bucket   string
	pageSize int
	close    func() error
}

// NewGCSStore creates a GCSStore with its own storage client. It assumes
// Application Default Credentials are configured.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	s := NewGCSStoreWithAPI(bucketAPI{bucket: client.Bucket(bucket)}, bucket)
	s.close = client.Close
	return s, nil
}

// NewGCSStoreWithAPI creates a GCSStore over an existing bucket API
func NewGCSStoreWithAPI(api GCSAPI, bucket string) *GCSStore {
	return &GCSStore{api: api, bucket: bucket, pageSize: defaultGCSPageSize}
}

// Close releases the storage client
func (g *GCSStore) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

// ListPage implements ObjectLister
func (g *GCSStore) ListPage(ctx context.Context, prefix, token string) (Page, error) {
	it := g.api.Objects(ctx, &storage.Query{Prefix: prefix})
	pager := iterator.NewPager(it, g.pageSize, token)

	var attrs []*storage.ObjectAttrs
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return Page{}, fmt.Errorf("list gs://%s/%s: %w", g.bucket, prefix, err)
	}

	page := Page{
		Entries:     make([]fileselect.FileRef, 0, len(attrs)),
		IsTruncated: next != "",
		NextToken:   next,
	}
	for _, a := range attrs {
		// synthetic directory entries
		if a.Prefix != "" {
			continue
		}
		page.Entries = append(page.Entries, fileselect.FileRef{
			Path:     a.Name,
			ModTime:  a.Updated,
			Size:     a.Size,
			Metadata: a.Metadata,
		})
	}
	return page, nil
}

// Head implements ObjectStore
func (g *GCSStore) Head(ctx context.Context, key string) (map[string]string, error) {
	attrs, err := g.api.Attrs(ctx, key)
	if err != nil {
		return nil, objectError(key, err)
	}
	return attrs.Metadata, nil
}

// Fetch implements ObjectStore
func (g *GCSStore) Fetch(ctx context.Context, key string) (string, error) {
	r, err := g.api.NewReader(ctx, key)
	if err != nil {
		return "", objectError(key, err)
	}
	defer r.Close()

	path, err := writeTemp(r, key)
	if err != nil {
		return "", apperrors.FileError(apperrors.CodeFileFetch, key, err)
	}
	return path, nil
}

func objectError(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return apperrors.FileError(apperrors.CodeFileNotFound, key, err)
	}
	return apperrors.FileError(apperrors.CodeFileFetch, key, err)
}
