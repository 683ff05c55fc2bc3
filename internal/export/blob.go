package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/planningpoker/core/internal/domain"
)

// Uploader is the blob uploader boundary collaborator (§6.3): put bytes
// under a key, get back a URL. ExportWorker depends on this interface, not
// the concrete S3 client, so tests substitute an in-memory fake.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// S3Uploader implements Uploader against an S3-compatible bucket via
// aws-sdk-go-v2, grounded on the same PutObject/presign shape used
// elsewhere in the retrieved corpus for blob storage (DESIGN.md).
type S3Uploader struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	urlTTL    time.Duration
}

// NewS3Uploader loads the default AWS credential chain/region and
// constructs an uploader bound to bucket.
func NewS3Uploader(ctx context.Context, bucket, region string) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Uploader{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		urlTTL:    7 * 24 * time.Hour,
	}, nil
}

// Put uploads data under key and returns a presigned GET URL valid for the
// same 7-day window as the ExportJob's expiresAt (§4.6 step 5).
func (u *S3Uploader) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload export artifact: %w", err)
	}

	presigned, err := u.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = u.urlTTL })
	if err != nil {
		return "", fmt.Errorf("presign export artifact url: %w", err)
	}
	return presigned.URL, nil
}

// BlobKey derives the content-addressed storage key for a job's artifact
// (§6.4: "the blob store is content-addressed by JobId").
func BlobKey(id domain.JobId, format domain.ExportFormat) string {
	ext := "csv"
	if format == domain.ExportPDF {
		ext = "pdf"
	}
	return fmt.Sprintf("exports/%s.%s", id, ext)
}

// ContentType returns the MIME type for format, used on upload.
func ContentType(format domain.ExportFormat) string {
	if format == domain.ExportPDF {
		return "application/pdf"
	}
	return "text/csv"
}
