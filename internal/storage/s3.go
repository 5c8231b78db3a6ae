package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/models"
)

// Signer hands out pre-signed URLs for the conversations bucket. The
// pipeline itself never moves audio bytes; browsers PUT against the upload
// URL and the transcription engine GETs the read URL.
type Signer struct {
	presign *s3.PresignClient
	bucket  string
}

// New builds a signer from config, honoring a custom endpoint for
// MinIO-style deployments.
func New(ctx context.Context, cfg config.Config) (*Signer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &Signer{presign: s3.NewPresignClient(client), bucket: cfg.S3Bucket}, nil
}

// UploadTarget returns a signed PUT URL the uploader writes the recording to.
func (s *Signer) UploadTarget(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", key, errors.Join(models.ErrStorageUnavailable, err))
	}
	return req.URL, nil
}

// ReadHandle returns a short-lived signed GET URL for the stored audio.
func (s *Signer) ReadHandle(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key: %w", models.ErrStorageUnavailable)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign read %s: %w", key, errors.Join(models.ErrStorageUnavailable, err))
	}
	return req.URL, nil
}
