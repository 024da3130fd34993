package uploader

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

// ObjectUploader is the subset of manager.Uploader used by S3Uploader.
type ObjectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Uploader streams message bodies into a bucket.
type S3Uploader struct {
	client ObjectUploader
	bucket string
}

func NewS3Uploader(client ObjectUploader, bucket string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket}
}

// ObjectKey returns "<YYYY/MM/DD>/<file name>" with spaces in the file name
// replaced by underscores.
func ObjectKey(msg *mailbox.Message) (string, error) {
	fileName, err := msg.FileName()
	if err != nil {
		return "", err
	}
	delivered, err := msg.DeliveredAt()
	if err != nil {
		return "", err
	}
	return delivered.Format("2006/01/02") + "/" + strings.ReplaceAll(fileName, " ", "_"), nil
}

func (u *S3Uploader) Upload(ctx context.Context, msg *mailbox.Message, event EventRecorder) error {
	key, err := ObjectKey(msg)
	if err != nil {
		return err
	}

	_, err = u.client.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   msg,
	})
	if err != nil {
		return sinkError(err)
	}

	event.RecordS3Key(key)
	return nil
}
