package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	defaultUploadAttempts = 3
	defaultUploadTimeout  = 30 * time.Second
	uploadBackoffInitial  = 200 * time.Millisecond
	uploadBackoffMax      = 2 * time.Second
)

// Putter is the part of *s3.Client the uploader needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies report files to one bucket.
type Uploader struct {
	client Putter
	bucket string
	prefix string

	attempts int
	timeout  time.Duration
	backoff  time.Duration
}

// NewS3Uploader loads the default AWS credential chain. An empty region
// falls back to the environment and shared config.
func NewS3Uploader(ctx context.Context, bucket, prefix, region string) (*Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("report: load aws config: %w", err)
	}
	// Retries are done here, per attempt with a fresh body.
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewUploader(client, bucket, prefix), nil
}

// NewUploader wraps an existing client.
func NewUploader(client Putter, bucket, prefix string) *Uploader {
	return &Uploader{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		attempts: defaultUploadAttempts,
		timeout:  defaultUploadTimeout,
		backoff:  uploadBackoffInitial,
	}
}

// Key is "<prefix><yyyy>/<mm>/<dd>/<runID>-<file base name>".
func (u *Uploader) Key(runID, file string, at time.Time) string {
	return u.prefix + path.Join(at.UTC().Format("2006/01/02"), runID+"-"+filepath.Base(file))
}

// UploadFile puts the file at name under key, retrying with exponential
// backoff. The file is rewound before each attempt.
func (u *Uploader) UploadFile(ctx context.Context, key, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("report: open upload: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("report: stat upload: %w", err)
	}

	var lastErr error
	backoff := u.backoff
	for attempt := 1; attempt <= u.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("report: rewind upload: %w", err)
		}
		if lastErr = u.put(ctx, key, f, fi.Size()); lastErr == nil {
			slog.Info("report: uploaded", "bucket", u.bucket, "key", key, "bytes", fi.Size())
			return nil
		}
		slog.Warn("report: upload failed", "bucket", u.bucket, "key", key,
			"attempt", attempt, "err", lastErr)
		if attempt == u.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, uploadBackoffMax)
	}
	return fmt.Errorf("report: upload s3://%s/%s: %w", u.bucket, key, lastErr)
}

func (u *Uploader) put(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
