package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps objects in a bucket. Objects are fetched by clients directly
// from publicBaseURL (a CDN or the bucket's website endpoint).
type S3Store struct {
	client        s3API
	bucket        string
	publicBaseURL string
}

// NewS3Store builds a client from the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, publicBaseURL string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Store(s3.NewFromConfig(cfg), bucket, publicBaseURL), nil
}

func newS3Store(client s3API, bucket, publicBaseURL string) *S3Store {
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &S3Store{client: client, bucket: bucket, publicBaseURL: publicBaseURL}
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, sum, err := readAll(body)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		return nil, fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}

	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      sum,
		URL:         s.URL(key),
	}, nil
}

// Delete is idempotent on S3; a missing key is not reported.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) URL(key string) string {
	return joinURL(s.publicBaseURL, key)
}

func (s *S3Store) KeyFromURL(url string) (string, bool) {
	return trimURL(s.publicBaseURL, url)
}
