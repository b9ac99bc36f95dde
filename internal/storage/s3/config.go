package s3

import (
	"fmt"
	"strings"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Storage classes accepted in Config.StorageClass.
const (
	ClassStandard     = "STANDARD"
	ClassStandardIA   = "STANDARD_IA"
	ClassOneZoneIA    = "ONEZONE_IA"
	ClassIntelligent  = "INTELLIGENT_TIERING"
	ClassGlacierIR    = "GLACIER_IR"
	ClassGlacier      = "GLACIER"
	ClassDeepArchive  = "DEEP_ARCHIVE"
	defaultClass      = ClassStandard
	defaultPoolSize   = 8
	defaultMultipart  = 32 * 1024 * 1024
	defaultChunkSize  = 16 * 1024 * 1024
	defaultMaxRetries = 3
)

// Config represents S3 store configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Prefix is prepended to every key, so several stores can share a bucket.
	Prefix string `yaml:"prefix"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	UseAccelerate bool `yaml:"use_accelerate"`
	UseDualStack  bool `yaml:"use_dual_stack"`

	StorageClass string `yaml:"storage_class"`

	// Objects of at least MultipartThreshold bytes (dataset buffers of saved
	// files, typically) are uploaded through the CargoShip transporter.
	EnableCargoShip    bool  `yaml:"enable_cargoship"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		MaxRetries:         defaultMaxRetries,
		RequestTimeout:     30 * time.Second,
		PoolSize:           defaultPoolSize,
		StorageClass:       defaultClass,
		EnableCargoShip:    true,
		MultipartThreshold: defaultMultipart,
		MultipartChunkSize: defaultChunkSize,
	}
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.StorageClass == "" {
		c.StorageClass = defaultClass
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = defaultMultipart
	}
	if c.MultipartChunkSize <= 0 {
		c.MultipartChunkSize = defaultChunkSize
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, ok := storageClasses[strings.ToUpper(c.StorageClass)]; c.StorageClass != "" && !ok {
		return fmt.Errorf("unknown storage class %q", c.StorageClass)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	if c.MultipartChunkSize > 0 && c.MultipartChunkSize < 5*1024*1024 {
		return fmt.Errorf("multipart_chunk_size must be at least 5MB, got %d", c.MultipartChunkSize)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size cannot be negative")
	}
	return nil
}

type storageClass struct {
	sdk   s3types.StorageClass
	cargo awsconfig.StorageClass
}

var storageClasses = map[string]storageClass{
	ClassStandard:    {s3types.StorageClassStandard, awsconfig.StorageClassStandard},
	ClassStandardIA:  {s3types.StorageClassStandardIa, awsconfig.StorageClassStandardIA},
	ClassOneZoneIA:   {s3types.StorageClassOnezoneIa, awsconfig.StorageClassOneZoneIA},
	ClassIntelligent: {s3types.StorageClassIntelligentTiering, awsconfig.StorageClassIntelligentTiering},
	// CargoShip has no instant-retrieval class
	ClassGlacierIR:   {s3types.StorageClassGlacierIr, awsconfig.StorageClassGlacier},
	ClassGlacier:     {s3types.StorageClassGlacier, awsconfig.StorageClassGlacier},
	ClassDeepArchive: {s3types.StorageClassDeepArchive, awsconfig.StorageClassDeepArchive},
}

func lookupClass(name string) storageClass {
	if c, ok := storageClasses[strings.ToUpper(name)]; ok {
		return c
	}
	return storageClasses[defaultClass]
}
