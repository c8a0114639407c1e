package deploy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

const deleteBatch = 1000

// Bootstrap manages the per-account artifact bucket.
type Bootstrap struct {
	s3     awsclients.S3API
	bucket string
	region string
}

// NewBootstrap targets plldb-core-infrastructure-<region>-<account>.
func NewBootstrap(client awsclients.S3API, region, accountID string) *Bootstrap {
	return &Bootstrap{
		s3:     client,
		bucket: shared.BootstrapBucketName(region, accountID),
		region: region,
	}
}

// Bucket returns the artifact bucket name.
func (b *Bootstrap) Bucket() string { return b.bucket }

// Setup creates the bucket with public access blocked. An existing bucket is kept.
func (b *Bootstrap) Setup(ctx context.Context) error {
	exists, err := b.exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		shared.LogInfof("Bucket %s already exists", b.bucket)
		return nil
	}

	shared.LogStoragef("Creating bucket %s", b.bucket)
	input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	// us-east-1 rejects an explicit location constraint
	if b.region != "" && b.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(b.region),
		}
	}
	if _, err := b.s3.CreateBucketWithContext(ctx, input); err != nil {
		return shared.Upstream("create bucket "+b.bucket, err)
	}

	_, err = b.s3.PutPublicAccessBlockWithContext(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(b.bucket),
		PublicAccessBlockConfiguration: &s3.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return shared.Upstream("block public access on "+b.bucket, err)
	}
	shared.LogSuccessf("Bucket %s created with public access blocked", b.bucket)
	return nil
}

// Upload copies the required artifacts from dir into the bucket.
func (b *Bootstrap) Upload(ctx context.Context, dir string) ([]string, error) {
	var uploaded []string
	for _, name := range []string{ControlPlaneArtifact, LayerArtifact} {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return uploaded, fmt.Errorf("%w: artifact %s: %v", shared.ErrNotFound, path, err)
		}
		_, err = b.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(name),
			Body:        f,
			ContentType: aws.String("application/zip"),
		})
		f.Close()
		if err != nil {
			return uploaded, shared.Upstream("upload "+name, err)
		}
		shared.LogStoragef("Uploaded s3://%s/%s", b.bucket, name)
		uploaded = append(uploaded, name)
	}
	return uploaded, nil
}

// Destroy empties and deletes the bucket. A missing bucket is not an error.
func (b *Bootstrap) Destroy(ctx context.Context) error {
	exists, err := b.exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		shared.LogInfof("Bucket %s does not exist", b.bucket)
		return nil
	}

	shared.LogProgressf("Emptying bucket %s", b.bucket)
	var batch []*s3.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := b.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = nil
		if err != nil {
			return shared.Upstream("delete objects in "+b.bucket, err)
		}
		return nil
	}

	var token *string
	for {
		page, err := b.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return shared.Upstream("list objects in "+b.bucket, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, &s3.ObjectIdentifier{Key: obj.Key})
			if len(batch) >= deleteBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if !aws.BoolValue(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	if err := flush(); err != nil {
		return err
	}

	if _, err := b.s3.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return shared.Upstream("delete bucket "+b.bucket, err)
	}
	shared.LogSuccessf("Bucket %s deleted", b.bucket)
	return nil
}

func (b *Bootstrap) exists(ctx context.Context) (bool, error) {
	_, err := b.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return true, nil
	}
	// HeadBucket has no body, so the code is the bare status text
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if code := shared.AWSErrorCode(err); code == "NotFound" || code == s3.ErrCodeNoSuchBucket || strings.HasPrefix(code, "404") {
		return false, nil
	}
	return false, shared.Upstream("head bucket "+b.bucket, err)
}
