// Package s3store writes originals and derivatives to the two object-store
// namespaces. From the pipeline's point of view the store is append-and-
// rename: Delete exists only so a re-keyed object can be moved, and the
// reconciler never touches it.
package s3store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"voyageingest/internal/errs"
	"voyageingest/internal/rpc"
)

// API is the slice of the S3 client the store uses. The concrete
// *s3.Client satisfies it; tests substitute a fake.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store wraps the S3 client with the pipeline's retry harness.
type Store struct {
	api     API
	harness *rpc.Harness
}

// New builds a Store over a live S3 client for the region.
func New(ctx context.Context, region string, harness *rpc.Harness) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errs.Wrap(errs.ClassConfig, "s3.new", "loading AWS config", err)
	}
	return &Store{api: s3.NewFromConfig(cfg), harness: harness}, nil
}

// NewWithAPI builds a Store over an existing client; used by tests.
func NewWithAPI(api API, harness *rpc.Harness) *Store {
	return &Store{api: api, harness: harness}
}

// Put uploads data under key.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	return s.harness.Do(ctx, "s3.put", func() error {
		in := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}
		if contentType != "" {
			in.ContentType = aws.String(contentType)
		}
		_, err := s.api.PutObject(ctx, in)
		return err
	})
}

// Copy duplicates an object within or across buckets. A non-empty
// contentType replaces the stored metadata.
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey, contentType string) error {
	return s.harness.Do(ctx, "s3.copy", func() error {
		in := &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(fmt.Sprintf("%s/%s", srcBucket, srcKey)),
		}
		if contentType != "" {
			in.ContentType = aws.String(contentType)
			in.MetadataDirective = "REPLACE"
		}
		_, err := s.api.CopyObject(ctx, in)
		return err
	})
}

// Delete removes an object. Only the move-on-rename path calls this.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.harness.Do(ctx, "s3.delete", func() error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// S3URL formats the private reference for an object.
func S3URL(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// PublicURL formats the public HTTPS reference for an object.
func PublicURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key)
}

// ParseS3URL splits an s3://bucket/key reference. ok is false when the
// value is not an s3 URL.
func ParseS3URL(u string) (bucket, key string, ok bool) {
	const prefix = "s3://"
	if len(u) <= len(prefix) || u[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := u[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			if i == 0 || i == len(rest)-1 {
				return "", "", false
			}
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
