package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/m-cnan/thankan.ayyo/internal/ledger"
)

// ObjectPutter is the part of the S3 client the writer needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer uploads batches of ledger records to S3 as JSON Lines objects.
type S3Writer struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	podName string
	logger  *slog.Logger
	now     func() time.Time
}

// NewS3Writer creates a writer using the default AWS credential chain.
func NewS3Writer(ctx context.Context, bucket, region, prefix, podName string, logger *slog.Logger) (*S3Writer, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3WriterWithClient(s3.NewFromConfig(cfg), bucket, prefix, podName, logger), nil
}

// NewS3WriterWithClient creates a writer around an existing client.
func NewS3WriterWithClient(client ObjectPutter, bucket, prefix, podName string, logger *slog.Logger) *S3Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if podName == "" {
		podName = "thankan"
	}
	return &S3Writer{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		podName: podName,
		logger:  logger.With("component", "s3-writer"),
		now:     time.Now,
	}
}

// Name implements ledger.Sink.
func (w *S3Writer) Name() string { return "s3" }

// Write implements ledger.Sink.
func (w *S3Writer) Write(ctx context.Context, records []*ledger.Record) error {
	_, err := w.WriteBatch(ctx, records)
	return err
}

// objectKey has the form <prefix>2025/11/30/<pod>-20251130-143022-123456789.jsonl.
func (w *S3Writer) objectKey(now time.Time) string {
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		w.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)
}

// WriteBatch uploads records as one object and returns its key.
func (w *S3Writer) WriteBatch(ctx context.Context, records []*ledger.Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	key := w.objectKey(w.now().UTC())

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			w.logger.Error("Failed to encode record", "request_id", record.RequestID, "error", err)
			continue
		}
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote ledger batch to S3", "key", key, "count", len(records), "bytes", buf.Len())
	return key, nil
}
