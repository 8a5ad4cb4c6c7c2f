package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config configures an S3-compatible offsite bucket.
type S3Config struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Validate checks that the bucket and credentials are set.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("offsite: bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("offsite: access key and secret key are required")
	}
	return nil
}

// objectKey joins the configured prefix and key.
func (c S3Config) objectKey(key string) string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// endpointURL normalizes the endpoint to a base URL. Bare hosts get https.
func (c S3Config) endpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	if u, err := url.Parse(c.Endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	return "https://" + strings.TrimSuffix(c.Endpoint, "/")
}

// S3Offsite stores snapshot archives in an S3-compatible bucket.
type S3Offsite struct {
	cfg        S3Config
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	logger     zerolog.Logger
}

// NewS3Offsite creates an S3Offsite.
func NewS3Offsite(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Offsite, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("offsite: load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if endpoint := cfg.endpointURL(); endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &S3Offsite{
		cfg:    cfg,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 16 * 1024 * 1024
			u.Concurrency = 3
		}),
		downloader: manager.NewDownloader(client),
		logger:     logger.With().Str("component", "snapshot_offsite").Logger(),
	}, nil
}

// Put uploads the file at localPath under key.
func (o *S3Offsite) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("offsite: open archive: %w", err)
	}
	defer f.Close()

	objectKey := o.cfg.objectKey(key)
	if _, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        f,
		ContentType: aws.String("application/gzip"),
	}); err != nil {
		return fmt.Errorf("offsite: upload %s: %w", objectKey, err)
	}
	o.logger.Debug().Str("key", objectKey).Msg("archive copied offsite")
	return nil
}

// Get downloads key to localPath. A partial file is removed on failure.
func (o *S3Offsite) Get(ctx context.Context, key, localPath string) error {
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("offsite: create archive: %w", err)
	}

	objectKey := o.cfg.objectKey(key)
	_, err = o.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("offsite: download %s: %w", objectKey, err)
	}
	return nil
}

// Delete removes key from the bucket.
func (o *S3Offsite) Delete(ctx context.Context, key string) error {
	objectKey := o.cfg.objectKey(key)
	if _, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return fmt.Errorf("offsite: delete %s: %w", objectKey, err)
	}
	return nil
}
