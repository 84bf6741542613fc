// Package storage wraps the S3-compatible object store behind the small
// surface the rest of the system needs: listing with ownership, guarded
// reads, uploads, and the bucket/policy operations used by the auditor.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
)

// ErrETagMismatch means an object's content changed between the time its
// fingerprint was recorded and the time it was read back.
var ErrETagMismatch = errors.New("storage: object fingerprint changed since match")

// ErrNoSuchBucket means the target bucket does not exist. Callers use it
// to tell an absent bucket apart from a denied write.
var ErrNoSuchBucket = errors.New("storage: bucket does not exist")

// ObjectInfo describes one listed or headed object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	Owner        string
	LastModified time.Time
}

// Client is the object-storage client shared by the matcher, the
// validation jobs and the auditor.
type Client struct {
	client *s3.Client
	logger *zap.Logger
}

// New builds a client against the configured endpoint with static
// credentials.
func New(cfg config.StorageConfig, logger *zap.Logger) (*Client, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Client{client: client, logger: logger}, nil
}

// ListObjects returns every object in a bucket, paginating until
// exhausted. Ownership is fetched so seeding can attribute uploads.
func (c *Client) ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket:     aws.String(bucket),
		FetchOwner: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", bucket, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:  aws.ToString(obj.Key),
				ETag: trimETag(aws.ToString(obj.ETag)),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.Owner != nil {
				info.Owner = aws.ToString(obj.Owner.DisplayName)
				if info.Owner == "" {
					info.Owner = aws.ToString(obj.Owner.ID)
				}
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Get reads a whole object into memory. For the small metadata files this
// system reads directly, not for sequence data.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// GetGuarded reads an object only if its fingerprint still matches the one
// recorded at match time. A changed object returns ErrETagMismatch: the
// content being validated must be the content that matched.
func (c *Client) GetGuarded(ctx context.Context, bucket, key, etag string) ([]byte, error) {
	head, err := c.Head(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if head.ETag != etag {
		return nil, fmt.Errorf("%w: %s/%s recorded %s, found %s",
			ErrETagMismatch, bucket, key, etag, head.ETag)
	}
	return c.Get(ctx, bucket, key)
}

// Put writes bytes to an object, overwriting any prior content.
func (c *Client) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		var missing *types.NoSuchBucket
		if errors.As(err, &missing) {
			return fmt.Errorf("%w: %s", ErrNoSuchBucket, bucket)
		}
		return fmt.Errorf("storage: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Head returns metadata for one object.
func (c *Client) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: head %s/%s: %w", bucket, key, err)
	}
	info := ObjectInfo{
		Key:  key,
		ETag: trimETag(aws.ToString(result.ETag)),
		Size: aws.ToInt64(result.ContentLength),
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	return info, nil
}

// DownloadFile streams an object to a local path.
func (c *Client) DownloadFile(ctx context.Context, bucket, key, path string) error {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: get %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = result.Body.Close() }()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, result.Body); err != nil {
		return fmt.Errorf("storage: download %s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadFile streams a local file to an object.
func (c *Client) UploadFile(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Copy duplicates an object server-side, without pulling the bytes
// through this process.
func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	if err != nil {
		return fmt.Errorf("storage: copy %s/%s to %s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}

// CreateBucket creates a bucket, tolerating the already-exists cases.
func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	_, err := c.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
	}
	c.logger.Info("bucket created", zap.String("bucket", bucket))
	return nil
}

// GetBucketPolicy returns the raw policy document for a bucket, or empty
// if none is set.
func (c *Client) GetBucketPolicy(ctx context.Context, bucket string) (string, error) {
	result, err := c.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchBucketPolicy") {
			return "", nil
		}
		return "", fmt.Errorf("storage: get policy of %s: %w", bucket, err)
	}
	return aws.ToString(result.Policy), nil
}

// PutBucketPolicy replaces a bucket's policy document.
func (c *Client) PutBucketPolicy(ctx context.Context, bucket, policy string) error {
	_, err := c.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(policy),
	})
	if err != nil {
		return fmt.Errorf("storage: put policy of %s: %w", bucket, err)
	}
	return nil
}

// DeleteBucketPolicy removes a bucket's policy document.
func (c *Client) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	_, err := c.client.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return fmt.Errorf("storage: delete policy of %s: %w", bucket, err)
	}
	return nil
}

// trimETag strips the quotes S3 wraps around entity tags.
func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
