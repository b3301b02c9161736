package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"dedupstore/internal/hasher"
)

// S3Config selects the bucket namespace for S3Store.
type S3Config struct {
	Region   string
	Bucket   string
	Prefix   string
	Endpoint string
}

// S3Store keeps blobs as objects in one bucket prefix.
type S3Store struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
}

// NewS3Store opens an S3-backed store using the default credential chain.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewS3StoreWithClient(s3.New(sess), s3manager.NewUploader(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wires explicit clients.
func NewS3StoreWithClient(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket, prefix string) *S3Store {
	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (s *S3Store) Name() string {
	return "s3"
}

func (s *S3Store) PutIfAbsent(ctx context.Context, digest hasher.Digest, r io.Reader) (PutResult, error) {
	if r == nil {
		return 0, fmt.Errorf("reader is required")
	}
	exists, err := s.Exists(ctx, digest)
	if err != nil {
		return 0, err
	}
	if exists {
		return PutAlreadyPresent, nil
	}

	h, err := hasher.New(digest.Algorithm())
	if err != nil {
		return 0, err
	}
	w := h.NewWriter()
	key := s.objectKey(digest)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   io.TeeReader(r, w),
	})
	if err != nil {
		return 0, fmt.Errorf("upload blob %s: %w", digest, err)
	}
	if got := w.Digest(); got != digest {
		_ = s.Delete(context.WithoutCancel(ctx), digest)
		return 0, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, digest, got)
	}
	return PutCreated, nil
}

func (s *S3Store) Open(ctx context.Context, digest hasher.Digest) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(digest)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, 0, fmt.Errorf("get blob %s: %w", digest, err)
	}
	return out.Body, aws.Int64Value(out.ContentLength), nil
}

func (s *S3Store) Exists(ctx context.Context, digest hasher.Digest) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(digest)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head blob %s: %w", digest, err)
}

// Delete removes the object. S3 treats deletes of missing keys as success.
func (s *S3Store) Delete(ctx context.Context, digest hasher.Digest) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(digest)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete blob %s: %w", digest, err)
	}
	return nil
}

func (s *S3Store) Walk(ctx context.Context, fn func(hasher.Digest, int64) error) error {
	var fnErr error
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix()),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.StringValue(obj.Key), s.keyPrefix())
			d, ok := digestFromKey(rel)
			if !ok {
				continue
			}
			if fnErr = fn(d, aws.Int64Value(obj.Size)); fnErr != nil {
				return false
			}
		}
		return true
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	return nil
}

func (s *S3Store) keyPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *S3Store) objectKey(d hasher.Digest) string {
	return s.keyPrefix() + digestKey(d)
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
