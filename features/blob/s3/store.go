// Package s3 implements the blob store on Amazon S3 or any S3-compatible
// object store. Keys map directly to object keys under a bucket; presigned
// GET URLs grant time-limited read access without proxying payloads.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"goa.design/recall/runtime/blob"
)

type (
	// API captures the subset of the S3 client used by the store.
	API interface {
		PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
		DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
		ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	}

	// Presigner produces presigned GET requests. *s3.PresignClient satisfies
	// it.
	Presigner interface {
		PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	}

	// Options configures the S3 blob store.
	Options struct {
		Client    API
		Presigner Presigner
		Bucket    string
		// Prefix is prepended to every key, separating multiple deployments
		// sharing one bucket.
		Prefix string
	}

	// Store implements blob.Store on S3.
	Store struct {
		client    API
		presigner Presigner
		bucket    string
		prefix    string
	}
)

var _ blob.Store = (*Store)(nil)

// New returns a Store backed by the given S3 client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		client:    opts.Client,
		presigner: opts.Presigner,
		bucket:    opts.Bucket,
		prefix:    opts.Prefix,
	}, nil
}

// NewFromConfig loads the ambient AWS configuration and returns a Store with
// presigning enabled.
func NewFromConfig(ctx context.Context, bucket, prefix string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return New(Options{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    bucket,
		Prefix:    prefix,
	})
}

// Put writes the blob, replacing any previous content under the key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return errors.New("s3: key is required")
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.client.PutObject(ctx, input)
	return err
}

// Get reads the blob. Returns blob.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("s3: key is required")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, blob.ErrNotFound
		}
		return nil, err
	}
	defer func() {
		_ = out.Body.Close()
	}()
	return io.ReadAll(out.Body)
}

// Delete removes the blob. S3 deletes are idempotent, so an absent key is not
// an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("s3: key is required")
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return err
}

// List returns the keys under the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuation *string
	full := s.objectKey(prefix)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(full),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, s.storeKey(*obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return keys, nil
		}
		continuation = out.NextContinuationToken
	}
}

// PresignGet returns a time-limited URL granting read access to the blob.
func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s.presigner == nil {
		return "", blob.ErrPresignUnsupported
	}
	if key == "" {
		return "", errors.New("s3: key is required")
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}, func(opts *s3.PresignOptions) {
		if expiry > 0 {
			opts.Expires = expiry
		}
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) storeKey(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return objectKey[len(s.prefix)+1:]
}
