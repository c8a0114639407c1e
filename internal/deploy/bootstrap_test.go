package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

type fakeS3 struct {
	awsclients.S3API

	exists  bool
	objects []string
	pages   int

	createInput  *s3.CreateBucketInput
	publicBlock  *s3.PublicAccessBlockConfiguration
	uploaded     map[string]string
	deleteCalls  int
	deleted      int
	bucketDelete bool
}

func (f *fakeS3) HeadBucketWithContext(context.Context, *s3.HeadBucketInput, ...request.Option) (*s3.HeadBucketOutput, error) {
	if !f.exists {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "req")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucketWithContext(_ context.Context, in *s3.CreateBucketInput, _ ...request.Option) (*s3.CreateBucketOutput, error) {
	f.createInput = in
	f.exists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlockWithContext(_ context.Context, in *s3.PutPublicAccessBlockInput, _ ...request.Option) (*s3.PutPublicAccessBlockOutput, error) {
	f.publicBlock = in.PublicAccessBlockConfiguration
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) PutObjectWithContext(_ context.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.uploaded == nil {
		f.uploaded = make(map[string]string)
	}
	f.uploaded[aws.StringValue(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

// ListObjectsV2WithContext serves objects two per page.
func (f *fakeS3) ListObjectsV2WithContext(_ context.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	f.pages++
	start := 0
	if in.ContinuationToken != nil {
		fmt.Sscanf(aws.StringValue(in.ContinuationToken), "%d", &start)
	}
	end := start + 2
	if end > len(f.objects) {
		end = len(f.objects)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(f.objects))}
	for _, key := range f.objects[start:end] {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(key)})
	}
	if end < len(f.objects) {
		out.NextContinuationToken = aws.String(fmt.Sprint(end))
	}
	return out, nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ context.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	f.deleteCalls++
	f.deleted += len(in.Delete.Objects)
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) DeleteBucketWithContext(context.Context, *s3.DeleteBucketInput, ...request.Option) (*s3.DeleteBucketOutput, error) {
	f.bucketDelete = true
	f.exists = false
	return &s3.DeleteBucketOutput{}, nil
}

func TestBootstrapSetup(t *testing.T) {
	t.Run("creates bucket outside us-east-1", func(t *testing.T) {
		client := &fakeS3{}
		b := NewBootstrap(client, "eu-west-1", "123456789012")
		assert.Equal(t, "plldb-core-infrastructure-eu-west-1-123456789012", b.Bucket())

		require.NoError(t, b.Setup(context.Background()))
		require.NotNil(t, client.createInput)
		require.NotNil(t, client.createInput.CreateBucketConfiguration)
		assert.Equal(t, "eu-west-1", aws.StringValue(client.createInput.CreateBucketConfiguration.LocationConstraint))
		require.NotNil(t, client.publicBlock)
		assert.True(t, aws.BoolValue(client.publicBlock.BlockPublicAcls))
		assert.True(t, aws.BoolValue(client.publicBlock.RestrictPublicBuckets))
	})

	t.Run("us-east-1 has no location constraint", func(t *testing.T) {
		client := &fakeS3{}
		require.NoError(t, NewBootstrap(client, "us-east-1", "1").Setup(context.Background()))
		assert.Nil(t, client.createInput.CreateBucketConfiguration)
	})

	t.Run("existing bucket kept", func(t *testing.T) {
		client := &fakeS3{exists: true}
		require.NoError(t, NewBootstrap(client, "us-west-2", "1").Setup(context.Background()))
		assert.Nil(t, client.createInput)
	})
}

func TestBootstrapUpload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ControlPlaneArtifact), []byte("control"), 0o644))

	client := &fakeS3{exists: true}
	b := NewBootstrap(client, "us-west-2", "1")

	uploaded, err := b.Upload(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
	assert.Equal(t, []string{ControlPlaneArtifact}, uploaded)

	require.NoError(t, os.WriteFile(filepath.Join(dir, LayerArtifact), []byte("layer"), 0o644))
	uploaded, err = b.Upload(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{ControlPlaneArtifact, LayerArtifact}, uploaded)
	assert.Equal(t, map[string]string{ControlPlaneArtifact: "control", LayerArtifact: "layer"}, client.uploaded)
}

func TestBootstrapDestroy(t *testing.T) {
	client := &fakeS3{exists: true, objects: []string{"a", "b", "c", "d", "e"}}
	b := NewBootstrap(client, "us-west-2", "1")

	require.NoError(t, b.Destroy(context.Background()))
	assert.Equal(t, 3, client.pages)
	assert.Equal(t, 1, client.deleteCalls)
	assert.Equal(t, 5, client.deleted)
	assert.True(t, client.bucketDelete)

	// a missing bucket is a no-op
	client.bucketDelete = false
	require.NoError(t, b.Destroy(context.Background()))
	assert.False(t, client.bucketDelete)
}
