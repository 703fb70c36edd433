package ledger

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Archiver copies a finished export somewhere durable and returns its URI.
type Archiver interface {
	Archive(ctx context.Context, localPath, day, name string) (string, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads exports to s3://<bucket>/<prefix>/<day>/<name>.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	log    *zap.Logger
}

func NewS3Archiver(cfg aws.Config, bucket string, log *zap.Logger) *S3Archiver {
	return newS3Archiver(s3.NewFromConfig(cfg), bucket, log)
}

func newS3Archiver(client objectPutter, bucket string, log *zap.Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: "audit-exports", log: log}
}

func (a *S3Archiver) Archive(ctx context.Context, localPath, day, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open export for upload: %w", err)
	}
	defer f.Close()

	key := path.Join(a.prefix, day, name)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(xlsxContentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload export to s3: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.log.Info("export archived", zap.String("uri", uri))
	return uri, nil
}
