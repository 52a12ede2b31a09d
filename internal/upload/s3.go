package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// S3Config configures the S3 uploader.
type S3Config struct {
	Region string
	Bucket string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint string
	// PublicURL is the base URL objects are served from. Empty means the regional
	// virtual-hosted bucket URL.
	PublicURL string
}

// S3 uploads attachments with the S3 transfer manager.
type S3 struct {
	uploader  *manager.Uploader
	bucket    string
	publicURL string
}

// NewS3 loads the default AWS config and builds an uploader.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3FromClient(client, cfg), nil
}

// NewS3FromClient wraps an existing client.
func NewS3FromClient(client manager.UploadAPIClient, cfg S3Config) *S3 {
	public := strings.TrimSuffix(cfg.PublicURL, "/")
	if public == "" {
		public = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3{
		uploader:  manager.NewUploader(client),
		bucket:    cfg.Bucket,
		publicURL: public,
	}
}

// Upload puts data under key.
func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s: %w", ErrUpload, key, err)
	}
	metrics.UploadsTotal.WithLabelValues("success").Inc()
	return nil
}

// ResolveURL returns the public URL of key.
func (s *S3) ResolveURL(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicURL + "/" + strings.Join(segments, "/")
}
