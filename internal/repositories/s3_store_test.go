package repositories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/checksync/internal/domain"
)

// MockS3API is a mock implementation of s3API
type MockS3API struct {
	mock.Mock
}

func (m *MockS3API) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadObjectOutput), args.Error(1)
}

func (m *MockS3API) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *MockS3API) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *MockS3API) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadBucketOutput), args.Error(1)
}

var _ s3API = (*MockS3API)(nil)

const s3Key = "Engineering/Inventor_Standards/Automation_Standard/ACP data/ACP_10516-01.json"

func keyIs(key string) interface{} {
	return mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Bucket) == "vault" && aws.ToString(in.Key) == key
	})
}

func TestS3StoreFind(t *testing.T) {
	modified := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		output     *s3.HeadObjectOutput
		err        error
		wantHandle bool
		wantErr    error
	}{
		{
			name:       "found",
			output:     &s3.HeadObjectOutput{ContentLength: aws.Int64(42), LastModified: aws.Time(modified)},
			wantHandle: true,
		},
		{
			name: "not found",
			err:  &types.NotFound{Message: aws.String("Not Found")},
		},
		{
			name: "no such key",
			err:  fmt.Errorf("operation error S3: HeadObject: %w", &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}),
		},
		{
			name:    "service unavailable with 404 in request ids",
			err:     errors.New("operation error S3: HeadObject, https response error StatusCode: 503, RequestID: 7QX9, HostID: aB404cD=, api error ServiceUnavailable: Service Unavailable"),
			wantErr: domain.ErrRemoteUnavailable,
		},
		{
			name:    "not found only in message text",
			err:     errors.New("upstream proxy: NotFound handler misconfigured"),
			wantErr: domain.ErrRemoteUnavailable,
		},
		{
			name:    "access denied",
			err:     errors.New("AccessDenied: forbidden"),
			wantErr: domain.ErrRemoteUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockS3API)
			api.On("HeadObject", mock.Anything, keyIs(s3Key)).Return(tt.output, tt.err)
			store := newS3StoreWithClient(api, "vault", zaptest.NewLogger(t))

			handle, err := store.Find(context.Background(), acpPath)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if !tt.wantHandle {
				assert.Nil(t, handle)
				return
			}
			require.NotNil(t, handle)
			assert.Equal(t, int64(42), handle.Size)
			assert.Equal(t, modified, handle.ModifiedAt)
			api.AssertExpectations(t)
		})
	}
}

func TestS3StoreDownload(t *testing.T) {
	api := new(MockS3API)
	api.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == s3Key
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(`{"id":"10516-01"}`))}, nil)
	store := newS3StoreWithClient(api, "vault", zaptest.NewLogger(t))

	data, err := store.Download(context.Background(), &domain.RemoteHandle{Path: acpPath})

	require.NoError(t, err)
	assert.Equal(t, `{"id":"10516-01"}`, string(data))
	api.AssertExpectations(t)
}

func TestS3StoreUpload(t *testing.T) {
	api := new(MockS3API)
	api.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		body, _ := io.ReadAll(in.Body)
		return aws.ToString(in.Key) == s3Key &&
			aws.ToString(in.ContentType) == "application/json" &&
			string(body) == `{"v":1}`
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	api.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("RequestTimeout")).Once()
	store := newS3StoreWithClient(api, "vault", zaptest.NewLogger(t))

	require.NoError(t, store.Upload(context.Background(), acpPath, []byte(`{"v":1}`)))

	err := store.Upload(context.Background(), acpPath, []byte(`{"v":2}`))
	assert.ErrorIs(t, err, domain.ErrRemoteUnavailable)
	api.AssertExpectations(t)
}

func TestS3StoreEnsureFolder(t *testing.T) {
	api := new(MockS3API)
	api.On("HeadObject", mock.Anything, keyIs("Engineering/ACP data/.keep")).
		Return(nil, errors.New("NotFound")).Once()
	api.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "Engineering/ACP data/.keep"
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	store := newS3StoreWithClient(api, "vault", zaptest.NewLogger(t))

	require.NoError(t, store.EnsureFolder(context.Background(), "$/Engineering/ACP data"))
	api.AssertExpectations(t)
}

func TestS3StoreCheckConnection(t *testing.T) {
	api := new(MockS3API)
	api.On("HeadBucket", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: timeout"))
	store := newS3StoreWithClient(api, "vault", zaptest.NewLogger(t))

	assert.ErrorIs(t, store.CheckConnection(context.Background()), domain.ErrRemoteUnavailable)
}
