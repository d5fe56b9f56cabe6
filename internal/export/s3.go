package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// S3Options configure S3Uploader. Endpoint and static keys are optional and
// mostly serve S3-compatible stores such as MinIO.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Uploader puts exported files into a bucket.
type S3Uploader struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Uploader = (*S3Uploader)(nil)

func NewS3Uploader(ctx context.Context, opts S3Options) (*S3Uploader, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.Endpoint != ""
	})
	return &S3Uploader{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *S3Uploader) EnsureBucket(ctx context.Context) error {
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err == nil {
		return nil
	}
	_, err := u.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(u.bucket)})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (u *S3Uploader) Upload(ctx context.Context, file, key string) error {
	in, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer in.Close()

	key = path.Join(u.prefix, key)
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        in,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	zap.S().Infow("export uploaded", "bucket", u.bucket, "key", key)
	return nil
}
