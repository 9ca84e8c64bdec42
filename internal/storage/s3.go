package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// S3Driver implements Driver for S3-compatible object storage.
type S3Driver struct {
	endpoint string
	region   string
	logger   *zap.Logger
	client   *s3.Client
}

// NewS3Driver creates a new S3-compatible storage driver.
func NewS3Driver(endpoint, accessKey, secretKey, region string, logger *zap.Logger) (*S3Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 driver requires access and secret keys")
	}

	// Credentials come from our own config, so the SDK's file/env loader
	// never runs.
	cfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Driver{
		endpoint: endpoint,
		region:   region,
		logger:   logger,
		client:   client,
	}, nil
}

// Name returns the driver name.
func (d *S3Driver) Name() string { return "s3" }

// Put stores data in S3.
func (d *S3Driver) Put(ctx context.Context, container, artifact string, data io.Reader) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
		Body:   data,
	})
	if err != nil {
		return classify("put", fmt.Errorf("put object %s/%s: %w", container, artifact, err))
	}
	return nil
}

// Get retrieves data from S3.
func (d *S3Driver) Get(ctx context.Context, container, artifact string) (io.ReadCloser, error) {
	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
	})
	if err != nil {
		return nil, classify("get", fmt.Errorf("get object %s/%s: %w", container, artifact, err))
	}
	return result.Body, nil
}

// Delete removes an object from S3.
func (d *S3Driver) Delete(ctx context.Context, container, artifact string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
	})
	if err != nil {
		return classify("delete", fmt.Errorf("delete object %s/%s: %w", container, artifact, err))
	}
	return nil
}

// List lists objects in a bucket matching prefix.
func (d *S3Driver) List(ctx context.Context, container, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", fmt.Errorf("list %s/%s: %w", container, prefix, err))
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Exists reports whether an object is present.
func (d *S3Driver) Exists(ctx context.Context, container, artifact string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, classify("exists", fmt.Errorf("head object %s/%s: %w", container, artifact, err))
	}
	return true, nil
}

// classify maps S3 API errors onto the retryable/fatal split. Auth and
// missing-object errors are permanent; everything else (throttling,
// timeouts, 5xx) is worth retrying.
func classify(op string, err error) error {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return &PermanentError{Op: op, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &PermanentError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnauthorized, err)}
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return &PermanentError{Op: op, Err: err}
		}
	}
	return &TransientError{Op: op, Err: err}
}
