package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/apperr"
)

type mockS3Client struct {
	mock.Mock
}

func (m *mockS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*s3.PutObjectOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockS3Client) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*s3.UploadPartOutput), args.Error(1)
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*s3.CreateMultipartUploadOutput), args.Error(1)
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*s3.CompleteMultipartUploadOutput), args.Error(1)
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*s3.AbortMultipartUploadOutput), args.Error(1)
}

func (m *mockS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*s3.GetObjectOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*s3.ListObjectsV2Output), args.Error(1)
}

func (m *mockS3Client) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*s3.HeadBucketOutput), args.Error(1)
}

func TestS3Store_Get(t *testing.T) {
	client := new(mockS3Client)
	store := NewS3Store(client, "bucket", "prefix/")

	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Bucket == "bucket" && *in.Key == "prefix/raw/2026/01/01/shard-00000"
	})).Return(&s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader([]byte("payload"))),
	}, nil).Once()

	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Key == "prefix/missing"
	})).Return(nil, &types.NoSuchKey{}).Once()

	data, err := store.Get(context.Background(), "raw/2026/01/01/shard-00000")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	client.AssertExpectations(t)
}

func TestS3Store_PutIfAbsent(t *testing.T) {
	client := new(mockS3Client)
	store := NewS3Store(client, "bucket", "")

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Key == "fresh" && aws.ToString(in.IfNoneMatch) == "*"
	})).Return(&s3.PutObjectOutput{ETag: aws.String(`"abc"`)}, nil).Once()

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Key == "taken"
	})).Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}).Once()

	etag, err := store.PutIfAbsent(context.Background(), "fresh", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "abc", etag)

	_, err = store.PutIfAbsent(context.Background(), "taken", []byte("x"))
	assert.ErrorIs(t, err, ErrExists)
}

func TestS3Store_List(t *testing.T) {
	client := new(mockS3Client)
	store := NewS3Store(client, "bucket", "prefix")

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return *in.Prefix == "prefix/raw/" && in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{
			{Key: aws.String("prefix/raw/2026/01/02/shard-00000")},
		},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("page-2"),
	}, nil).Once()

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken != nil && *in.ContinuationToken == "page-2"
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{
			{Key: aws.String("prefix/raw/2026/01/01/shard-00000")},
		},
		IsTruncated: aws.Bool(false),
	}, nil).Once()

	keys, err := store.List(context.Background(), "raw/")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw/2026/01/01/shard-00000", "raw/2026/01/02/shard-00000"}, keys)
}
