package s3

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// loadAWSConfig resolves the SDK configuration. Static credentials from cfg
// take precedence over the default provider chain.
func loadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// newClient creates an S3 client with the endpoint options of cfg.
func newClient(awsCfg aws.Config, cfg *Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
		o.UseAccelerate = cfg.UseAccelerate
		if cfg.UseDualStack {
			o.EndpointOptions.UseDualStackEndpoint = aws.DualStackEndpointStateEnabled
		}
	})
}

// newTransporter creates the CargoShip transporter used for large uploads.
func newTransporter(client *s3.Client, bucket string, cfg *Config, logger *slog.Logger) *cargoships3.Transporter {
	if !cfg.EnableCargoShip {
		return nil
	}
	cargoConfig := awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       lookupClass(cfg.StorageClass).cargo,
		MultipartThreshold: cfg.MultipartThreshold,
		MultipartChunkSize: cfg.MultipartChunkSize,
		Concurrency:        cfg.PoolSize,
	}
	logger.Info("CargoShip uploads enabled",
		"threshold", cfg.MultipartThreshold,
		"chunk_size", cfg.MultipartChunkSize,
		"concurrency", cfg.PoolSize)
	return cargoships3.NewTransporter(client, cargoConfig)
}
