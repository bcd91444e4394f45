package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket honouring If-Match / If-None-Match
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	failGet error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGet != nil {
		return nil, f.failGet
	}
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...))),
		ETag: aws.String(etag(data)),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts = append(f.puts, params)
	key := aws.ToString(params.Key)
	current, exists := f.objects[key]

	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	if aws.ToString(params.IfNoneMatch) == "*" && exists {
		return nil, precondition
	}
	if params.IfMatch != nil && (!exists || etag(current) != aws.ToString(params.IfMatch)) {
		return nil, precondition
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

func TestS3Backend_ConditionalHeaders(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	backend := NewS3Backend(client, "bench", "histories", "data.js", testLogger())

	assert.Equal(t, "histories/ubuntu-22.04/data.js", backend.Key("ubuntu-22.04"))

	v1, err := backend.Write(ctx, "ubuntu-22.04", "", []byte("one"))
	require.NoError(t, err)
	require.Len(t, client.puts, 1)
	assert.Equal(t, "*", aws.ToString(client.puts[0].IfNoneMatch))
	assert.Nil(t, client.puts[0].IfMatch)
	assert.Equal(t, "application/javascript", aws.ToString(client.puts[0].ContentType))

	_, err = backend.Write(ctx, "ubuntu-22.04", v1, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, string(v1), aws.ToString(client.puts[1].IfMatch))

	_, err = backend.Write(ctx, "ubuntu-22.04", v1, []byte("three"))
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestS3Backend_ReadErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	backend := NewS3Backend(client, "bench", "", "", testLogger())

	_, _, err := backend.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	client.failGet = &smithy.GenericAPIError{Code: "NotFound"}
	_, _, err = backend.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	client.failGet = errors.New("connection reset")
	_, _, err = backend.Read(ctx, "env")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewS3Client_StaticCredentials(t *testing.T) {
	client := NewS3Client(S3Options{
		Region:          "eu-north-1",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})

	opts := client.Options()
	assert.Equal(t, "eu-north-1", opts.Region)
	assert.Equal(t, "http://localhost:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)

	creds, err := opts.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "minio", creds.AccessKeyID)
}
