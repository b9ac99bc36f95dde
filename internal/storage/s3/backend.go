package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

// Backend stores pass-through files in an S3 bucket.
type Backend struct {
	bucket string
	config *Config

	pool        *ConnectionPool
	transporter *cargoships3.Transporter
	logger      *slog.Logger
	metrics     metricsRecorder
}

var _ types.Backend = (*Backend)(nil)

// NewBackend connects to bucket and verifies that it is reachable.
func NewBackend(ctx context.Context, bucket string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidConfig, "invalid S3 configuration", err).
			WithComponent("s3")
	}
	cfg.applyDefaults()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeStorageUnavailable, "cannot configure S3 client", err).
			WithComponent("s3")
	}
	client := newClient(awsCfg, cfg)
	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return newClient(awsCfg, cfg), nil
	})
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("component", "s3-store", "bucket", bucket)
	b := &Backend{
		bucket:      bucket,
		config:      cfg,
		pool:        pool,
		transporter: newTransporter(client, bucket, cfg, logger),
		logger:      logger,
	}
	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}
	logger.Info("S3 store ready", "prefix", cfg.Prefix, "storage_class", cfg.StorageClass)
	return b, nil
}

func (b *Backend) key(key string) string {
	return b.config.Prefix + strings.TrimPrefix(key, "/")
}

// GetObject reads size bytes at offset; a negative or zero size reads to the
// end of the object.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) (data []byte, err error) {
	start := time.Now()
	defer func() { b.metrics.request(time.Since(start), err) }()

	client, err := b.pool.Get(ctx)
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	defer b.pool.Put(client)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
		Range:  rangeHeader(offset, size),
	})
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	b.metrics.add(func(m *BackendMetrics) { m.BytesDownloaded += int64(len(data)) })
	return data, nil
}

// PutObject stores data under key. Objects above the multipart threshold
// go through CargoShip; a failed CargoShip upload falls back to a plain
// PutObject.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) (err error) {
	start := time.Now()
	defer func() { b.metrics.request(time.Since(start), err) }()

	class := lookupClass(b.config.StorageClass)
	if b.transporter != nil && int64(len(data)) >= b.config.MultipartThreshold {
		result, uploadErr := b.transporter.Upload(ctx, cargoships3.Archive{
			Key:          b.key(key),
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: class.cargo,
			Metadata:     map[string]string{"lowfive-object": key},
		})
		if uploadErr == nil {
			b.logger.Debug("CargoShip upload completed",
				"key", key,
				"size", len(data),
				"throughput", result.Throughput,
				"duration", result.Duration)
			b.metrics.add(func(m *BackendMetrics) {
				m.BytesUploaded += int64(len(data))
				m.CargoShipPuts++
			})
			return nil
		}
		b.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", key, "error", uploadErr)
		b.metrics.add(func(m *BackendMetrics) { m.FallbackPuts++ })
	}

	client, err := b.pool.Get(ctx)
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}
	defer b.pool.Put(client)

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
		StorageClass:  class.sdk,
	})
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}
	b.metrics.add(func(m *BackendMetrics) { m.BytesUploaded += int64(len(data)) })
	return nil
}

// DeleteObject removes key; deleting a missing key succeeds.
func (b *Backend) DeleteObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { b.metrics.request(time.Since(start), err) }()

	client, err := b.pool.Get(ctx)
	if err != nil {
		return b.translateError(err, "DeleteObject", key)
	}
	defer b.pool.Put(client)

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil
		}
		return b.translateError(err, "DeleteObject", key)
	}
	return nil
}

// HeadObject returns the size and modification time of key.
func (b *Backend) HeadObject(ctx context.Context, key string) (info *types.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.metrics.request(time.Since(start), err) }()

	client, err := b.pool.Get(ctx)
	if err != nil {
		return nil, b.translateError(err, "HeadObject", key)
	}
	defer b.pool.Put(client)

	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return nil, b.translateError(err, "HeadObject", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
	}, nil
}

// ListObjects lists keys under prefix, following continuation tokens until
// limit objects have been collected (limit <= 0 lists everything).
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) (objects []types.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.metrics.request(time.Since(start), err) }()

	client, err := b.pool.Get(ctx)
	if err != nil {
		return nil, b.translateError(err, "ListObjects", prefix)
	}
	defer b.pool.Put(client)

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.translateError(err, "ListObjects", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          strings.TrimPrefix(aws.ToString(obj.Key), b.config.Prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
			if limit > 0 && len(objects) >= limit {
				return objects, nil
			}
		}
	}
	return objects, nil
}

// HealthCheck verifies that the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	client, err := b.pool.Get(ctx)
	if err != nil {
		return b.translateError(err, "HeadBucket", "")
	}
	defer b.pool.Put(client)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStorageUnavailable, "S3 health check failed", err).
			WithComponent("s3").
			WithContext("bucket", b.bucket)
	}
	return nil
}

// Metrics returns the request metrics.
func (b *Backend) Metrics() BackendMetrics {
	return b.metrics.snapshot()
}

// PoolStats returns the connection pool statistics.
func (b *Backend) PoolStats() PoolStats {
	return b.pool.Stats()
}

// Close releases the pooled clients.
func (b *Backend) Close() error {
	return b.pool.Close()
}

func (b *Backend) translateError(err error, operation, key string) error {
	var code pkgerrors.ErrorCode
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		code = pkgerrors.ErrCodeStorageNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = pkgerrors.ErrCodeStorageUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = pkgerrors.ErrCodeOperationCanceled
	case operation == "PutObject" || operation == "DeleteObject":
		code = pkgerrors.ErrCodeStorageWrite
	default:
		code = pkgerrors.ErrCodeStorageRead
	}
	return pkgerrors.Wrap(code, fmt.Sprintf("%s failed", operation), err).
		WithComponent("s3").
		WithOperation(operation).
		WithContext("bucket", b.bucket).
		WithContext("key", key)
}

func rangeHeader(offset, size int64) *string {
	switch {
	case size > 0:
		return aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	case offset > 0:
		return aws.String(fmt.Sprintf("bytes=%d-", offset))
	default:
		return nil
	}
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".manifest"):
		return "application/x-protobuf"
	default:
		return "application/octet-stream"
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
