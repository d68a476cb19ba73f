package filesource

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"golang-trust-loader/internal/fileselect"
	apperrors "golang-trust-loader/pkg/errors"
)

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads input files from an S3 bucket
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates an S3Store over an existing client
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// NewS3StoreFromConfig loads the default AWS configuration for region.
func NewS3StoreFromConfig(ctx context.Context, region, bucket string) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket), nil
}

// ListPage implements ObjectLister
func (s *S3Store) ListPage(ctx context.Context, prefix, token string) (Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return Page{}, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
	}

	page := Page{
		Entries:     make([]fileselect.FileRef, 0, len(out.Contents)),
		IsTruncated: aws.ToBool(out.IsTruncated),
		NextToken:   aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		page.Entries = append(page.Entries, fileselect.FileRef{
			Path:    aws.ToString(obj.Key),
			ModTime: aws.ToTime(obj.LastModified),
			Size:    aws.ToInt64(obj.Size),
		})
	}
	return page, nil
}

// Head implements ObjectStore
func (s *S3Store) Head(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apperrors.FileError(apperrors.CodeFileFetch, key, err)
	}
	return out.Metadata, nil
}

// Fetch implements ObjectStore
func (s *S3Store) Fetch(ctx context.Context, key string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", apperrors.FileError(apperrors.CodeFileFetch, key, err)
	}
	defer out.Body.Close()

	path, err := writeTemp(out.Body, key)
	if err != nil {
		return "", apperrors.FileError(apperrors.CodeFileFetch, key, err)
	}
	return path, nil
}
