package s3

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

func TestNewBackend_EmptyBucket(t *testing.T) {
	backend, err := NewBackend(context.Background(), "", NewDefaultConfig())
	assert.Nil(t, backend)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidConfig))
}

func TestNewBackend_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.StorageClass = "FLOPPY"
	_, err := NewBackend(context.Background(), "bucket", cfg)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidConfig))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"lowercase class", func(c *Config) { c.StorageClass = "standard_ia" }, false},
		{"unknown class", func(c *Config) { c.StorageClass = "TAPE" }, true},
		{"key without secret", func(c *Config) { c.AccessKeyID = "AKIA" }, true},
		{"static credentials", func(c *Config) { c.AccessKeyID, c.SecretAccessKey = "AKIA", "secret" }, false},
		{"tiny chunks", func(c *Config) { c.MultipartChunkSize = 1024 }, true},
		{"negative pool", func(c *Config) { c.PoolSize = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{Prefix: "runs/42"}
	cfg.applyDefaults()

	assert.Equal(t, "runs/42/", cfg.Prefix)
	assert.Equal(t, defaultPoolSize, cfg.PoolSize)
	assert.Equal(t, defaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, ClassStandard, cfg.StorageClass)
	assert.Equal(t, int64(defaultMultipart), cfg.MultipartThreshold)
}

func TestLookupClass(t *testing.T) {
	assert.Equal(t, s3types.StorageClassStandardIa, lookupClass("STANDARD_IA").sdk)
	assert.Equal(t, s3types.StorageClassIntelligentTiering, lookupClass("intelligent_tiering").sdk)
	assert.Equal(t, s3types.StorageClassStandard, lookupClass("unknown").sdk)
}

func TestKeyPrefix(t *testing.T) {
	b := &Backend{config: &Config{Prefix: "runs/42/"}}
	assert.Equal(t, "runs/42/out.h5.manifest", b.key("out.h5.manifest"))
	assert.Equal(t, "runs/42/out.h5/data", b.key("/out.h5/data"))

	bare := &Backend{config: &Config{}}
	assert.Equal(t, "out.h5", bare.key("out.h5"))
}

func TestRangeHeader(t *testing.T) {
	tests := []struct {
		offset, size int64
		want         *string
	}{
		{0, 0, nil},
		{0, -1, nil},
		{0, 10, aws.String("bytes=0-9")},
		{100, 50, aws.String("bytes=100-149")},
		{100, 0, aws.String("bytes=100-")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rangeHeader(tt.offset, tt.size))
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/x-protobuf", contentType("out.h5.manifest"))
	assert.Equal(t, "application/json", contentType("index.json"))
	assert.Equal(t, "application/octet-stream", contentType("out.h5/group1/data0"))
}

func TestTranslateError(t *testing.T) {
	b := &Backend{bucket: "bucket", config: &Config{}}

	tests := []struct {
		name      string
		err       error
		operation string
		want      pkgerrors.ErrorCode
	}{
		{"missing key", &s3types.NoSuchKey{}, "GetObject", pkgerrors.ErrCodeStorageNotFound},
		{"head miss", &s3types.NotFound{}, "HeadObject", pkgerrors.ErrCodeStorageNotFound},
		{"missing bucket", &s3types.NoSuchBucket{}, "PutObject", pkgerrors.ErrCodeStorageUnavailable},
		{"canceled", context.Canceled, "GetObject", pkgerrors.ErrCodeOperationCanceled},
		{"write failure", errors.New("connection reset"), "PutObject", pkgerrors.ErrCodeStorageWrite},
		{"read failure", errors.New("connection reset"), "GetObject", pkgerrors.ErrCodeStorageRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.translateError(tt.err, tt.operation, "out.h5")
			assert.Equal(t, tt.want, pkgerrors.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.True(t, pkgerrors.IsRetryable(b.translateError(errors.New("x"), "PutObject", "k")))
}

func TestConnectionPool(t *testing.T) {
	created := 0
	pool, err := NewConnectionPool(2, func() (*s3.Client, error) {
		created++
		return s3.New(s3.Options{Region: "us-east-1"}), nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	a, err := pool.Get(ctx)
	require.NoError(t, err)
	b, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Stats().Active)

	// both slots are taken
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = pool.Get(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Put(a)
	c, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, a, c, "idle clients are reused")
	pool.Put(b)
	pool.Put(c)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 2, created)

	require.NoError(t, pool.Close())
	_, err = pool.Get(ctx)
	assert.Error(t, err)
}

func TestNewConnectionPool_NilFactory(t *testing.T) {
	_, err := NewConnectionPool(1, nil)
	assert.Error(t, err)
}

func TestMetricsRecorder(t *testing.T) {
	var m metricsRecorder
	m.request(10*time.Millisecond, nil)
	m.request(20*time.Millisecond, errors.New("boom"))
	m.add(func(bm *BackendMetrics) { bm.BytesUploaded += 42 })

	s := m.snapshot()
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, "boom", s.LastError)
	assert.Equal(t, int64(42), s.BytesUploaded)
	assert.Equal(t, 11*time.Millisecond, s.AverageLatency)
}
