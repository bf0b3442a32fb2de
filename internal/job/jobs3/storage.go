package jobs3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/k11v/pages/internal/job"
)

var ErrFileTooLarge = errors.New("file too large")

var _ job.Storage = (*Storage)(nil)

type Storage struct {
	client *s3.Client // required
	bucket string     // required

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int64
}

func NewStorage(client *s3.Client, bucket string) *Storage {
	return &Storage{
		client:         client,
		bucket:         bucket,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// PutObject implements job.Storage.
// TODO: consider the error related to manager.MaxUploadParts when handling uploader.Upload.
func (s *Storage) PutObject(ctx context.Context, key string, body io.Reader) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.uploadPartSize
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrFileTooLarge, err)
		}
		return fmt.Errorf("jobs3.Storage: put %s: %w", key, err)
	}

	err = s3.NewObjectExistsWaiter(s.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, time.Minute)
	if err != nil {
		return fmt.Errorf("jobs3.Storage: put %s: %w", key, err)
	}

	return nil
}

// GetObject implements job.Storage.
func (s *Storage) GetObject(ctx context.Context, key string) (*job.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("jobs3.Storage: get %s: %w", key, job.ErrNotFound)
		}
		return nil, fmt.Errorf("jobs3.Storage: get %s: %w", key, err)
	}
	if out.Body == nil {
		return nil, fmt.Errorf("jobs3.Storage: get %s: missing body", key)
	}

	contentLength := int64(-1)
	if out.ContentLength != nil {
		contentLength = *out.ContentLength
	}
	return &job.Object{Body: out.Body, ContentLength: contentLength}, nil
}

// ListObjects implements job.Storage.
func (s *Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})

	keys := make([]string, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("jobs3.Storage: list %s: %w", prefix, err)
		}
		for _, object := range page.Contents {
			if object.Key != nil {
				keys = append(keys, *object.Key)
			}
		}
	}

	return keys, nil
}

// deleteBatchSize is the DeleteObjects request limit.
const deleteBatchSize = 1000

// DeleteObjects implements job.Storage.
func (s *Storage) DeleteObjects(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatchSize)
		var batch []string
		batch, keys = keys[:n], keys[n:]

		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for i := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: &batch[i]})
		}
		quiet := true
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucket,
			Delete: &types.Delete{Objects: ids, Quiet: &quiet},
		})
		if err != nil {
			return fmt.Errorf("jobs3.Storage: delete: %w", err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("jobs3.Storage: delete %s: %s", deref(e.Key), deref(e.Message))
		}
	}
	return nil
}

func isNotFound(err error) bool {
	if noSuchKey := (*types.NoSuchKey)(nil); errors.As(err, &noSuchKey) {
		return true
	}
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
