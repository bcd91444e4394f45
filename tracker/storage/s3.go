package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// S3Client captures the subset of the AWS SDK client used by S3Backend
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures the S3 client and object layout
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Client builds an SDK client from static options. An empty endpoint uses AWS;
// set one (with path-style addressing) for MinIO and other compatible stores.
func NewS3Client(opts S3Options) *s3.Client {
	o := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.UsePathStyle,
	}
	if opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			SessionToken:    opts.SessionToken,
			Source:          "benchhist-config",
		}
		o.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}))
	}
	return s3.New(o)
}

// S3Backend stores one object per environment and relies on S3 conditional
// writes: If-Match on the ETag that was read, If-None-Match for the first write.
type S3Backend struct {
	client S3Client
	bucket string
	prefix string
	name   string
	log    logrus.FieldLogger
}

// NewS3Backend creates an S3-backed document backend
func NewS3Backend(client S3Client, bucket, prefix, name string, log logrus.FieldLogger) *S3Backend {
	if name == "" {
		name = "data.json"
	}
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: prefix,
		name:   name,
		log:    log.WithField("component", "s3-backend"),
	}
}

// Name identifies the backend in logs and metrics
func (b *S3Backend) Name() string {
	return "s3"
}

// Key returns the object key for an environment
func (b *S3Backend) Key(environmentID string) string {
	return path.Join(b.prefix, environmentID, b.name)
}

// Read downloads the document; its ETag is the version
func (b *S3Backend) Read(ctx context.Context, environmentID string) ([]byte, Version, error) {
	key := b.Key(environmentID)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get s3://%s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read s3://%s/%s: %w", b.bucket, key, err)
	}
	return data, Version(aws.ToString(out.ETag)), nil
}

// Write uploads the document conditionally on the version that was read
func (b *S3Backend) Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error) {
	key := b.Key(environmentID)
	input := &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(document),
		ContentType: aws.String(b.contentType()),
	}
	if expected == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		if isS3PreconditionFailed(err) {
			b.log.WithField("key", key).Debug("Object changed since it was read")
			return "", ErrVersionMismatch
		}
		return "", fmt.Errorf("failed to put s3://%s/%s: %w", b.bucket, key, err)
	}
	return Version(aws.ToString(out.ETag)), nil
}

func (b *S3Backend) contentType() string {
	if path.Ext(b.name) == ".js" {
		return "application/javascript"
	}
	return "application/json"
}

func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
