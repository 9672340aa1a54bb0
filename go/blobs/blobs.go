// Package blobs fetches artifact and model-bundle bytes from object storage.
package blobs

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/helixion/biomarker-worker/go/config"
)

// Fetcher resolves a storage key into the bytes of the stored object.
// Failures (missing object, transport) surface as an error; there are no
// retries at this layer.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// S3Fetcher is a Fetcher backed by an S3 bucket. The bucket is fixed at
// construction so that call sites deal only in storage keys.
type S3Fetcher struct {
	client *s3.Client
	bucket string
}

// NewS3Fetcher builds an S3Fetcher from Settings.
func NewS3Fetcher(ctx context.Context, settings *config.Settings) (*S3Fetcher, error) {
	var opts = []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(settings.AWSRegion),
	}
	if settings.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				settings.AWSAccessKeyID, settings.AWSSecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	return &S3Fetcher{
		client: s3.NewFromConfig(cfg),
		bucket: settings.S3Bucket,
	}, nil
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", f.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", f.bucket, key, err)
	}
	return data, nil
}

// Bucket returns the bucket name of this fetcher.
func (f *S3Fetcher) Bucket() string { return f.bucket }
