package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

const (
	s3ID            = "s3"
	s3Name          = "S3"
	s3DefaultRegion = "us-east-1"
)

var errNotLoggedIn = errors.New("uploader is not logged in")

// S3Uploader stores archives in an S3 compatible bucket.
type S3Uploader struct {
	state
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3 validates cfg and returns an S3Uploader. The client is created on Login.
func NewS3(cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("s3: accessKeyID and secretAccessKey are required")
	}
	return &S3Uploader{state: state{name: s3Name, id: s3ID}, cfg: cfg}, nil
}

// endpointURL returns the custom endpoint with the scheme chosen by UseSSL.
func (u *S3Uploader) endpointURL() string {
	if u.cfg.Endpoint == "" {
		return ""
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(u.cfg.Endpoint, "http://"), "https://")
	scheme := "http"
	if u.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, strings.TrimSuffix(endpoint, "/"))
}

// Login builds the client and checks access with HeadBucket.
func (u *S3Uploader) Login(ctx context.Context) error {
	region := u.cfg.Region
	if region == "" {
		region = s3DefaultRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(u.cfg.AccessKeyID, u.cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return fmt.Errorf("s3: failed to load config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if endpoint := u.endpointURL(); endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.cfg.Bucket)}); err != nil {
		return fmt.Errorf("s3: failed to access bucket %s: %w", u.cfg.Bucket, err)
	}

	u.client = client
	u.uploader = manager.NewUploader(client, func(mu *manager.Uploader) {
		if u.cfg.PartSizeMB > 0 {
			mu.PartSize = u.cfg.PartSizeMB * 1024 * 1024
		}
		if u.cfg.Concurrency > 0 {
			mu.Concurrency = u.cfg.Concurrency
		}
	})
	u.authenticated.Store(true)
	return nil
}

func (u *S3Uploader) key(localPath, location string) string {
	return strings.TrimPrefix(remotePath(u.cfg.RemoteDirectory, location, filepath.Base(localPath)), "/")
}

// UploadFile uploads with the multipart manager.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath, location string) error {
	return u.track(u.upload(ctx, localPath, u.key(localPath, location)))
}

func (u *S3Uploader) upload(ctx context.Context, localPath, key string) error {
	if u.uploader == nil {
		return errNotLoggedIn
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3: failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("s3: failed to upload %s: %w", key, err)
	}
	plog.Debug("Uploaded object", "backend", s3ID, "bucket", u.cfg.Bucket, "key", key)
	return nil
}

// Test uploads localPath under the test location and deletes it again.
func (u *S3Uploader) Test(ctx context.Context, localPath string) error {
	key := u.key(localPath, TestLocation)
	if err := u.upload(ctx, localPath, key); err != nil {
		return err
	}
	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3: failed to delete test object %s: %w", key, err)
	}
	return nil
}

func (u *S3Uploader) Close() error { return nil }

var _ Uploader = (*S3Uploader)(nil)
