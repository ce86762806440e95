package filestore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

func newStaticCredentials(accessKeyID, secretAccessKey string) *credentials.Credentials {
	return credentials.NewStaticCredentials(accessKeyID, secretAccessKey, "")
}

// S3Provider serves and receives files from Amazon S3.
type S3Provider struct {
	Session *session.Session
}

// NewS3Provider builds a session from a region and optional static
// credentials, matching the Kinesis connector's credential handling.
func NewS3Provider(region, accessKeyID, secretAccessKey string) (*S3Provider, error) {
	var cfg = aws.NewConfig().WithRegion(region)
	if accessKeyID != "" {
		cfg = cfg.WithCredentials(newStaticCredentials(accessKeyID, secretAccessKey))
	}
	var sess, err = session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return &S3Provider{Session: sess}, nil
}

func (p *S3Provider) Open(ctx context.Context, ref SourceRef) (*Reader, error) {
	var client = s3.New(p.Session)
	var head, err = client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("heading s3 object s3://%s/%s: %w", ref.Container, ref.Path, err)
	}

	var out, getErr = client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.Path),
	})
	if getErr != nil {
		return nil, fmt.Errorf("getting s3 object s3://%s/%s: %w", ref.Container, ref.Path, getErr)
	}
	return &Reader{ReadCloser: out.Body, Size: aws.Int64Value(head.ContentLength)}, nil
}

func (p *S3Provider) Upload(ctx context.Context, localPath string, ref SourceRef) error {
	var f, err = os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening finalised file %s: %w", localPath, err)
	}
	defer f.Close()

	var uploader = s3manager.NewUploader(p.Session)
	if _, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.Path),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", localPath, ref.Container, ref.Path, err)
	}
	return nil
}
