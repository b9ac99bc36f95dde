package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/diatomic/LowFive/internal/circuit"
	"github.com/diatomic/LowFive/internal/lifecycle"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/internal/storage/s3"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/retry"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Log       LogConfig       `yaml:"log"`
	Routing   RoutingConfig   `yaml:"routing"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	API       APIConfig       `yaml:"api"`
	Inspect   InspectConfig   `yaml:"inspect"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// Components overrides the level per component, e.g. transport: DEBUG.
	Components map[string]string `yaml:"components,omitempty"`
}

// RuleConfig is one route rule.
type RuleConfig struct {
	File   string   `yaml:"file"`
	Object string   `yaml:"object"`
	Mode   string   `yaml:"mode"`
	Ops    []string `yaml:"ops,omitempty"`
}

// PatternConfig selects objects by file and object pattern.
type PatternConfig struct {
	File   string `yaml:"file"`
	Object string `yaml:"object"`
}

// ChannelRuleConfig sends matching files over a named channel.
type ChannelRuleConfig struct {
	File    string `yaml:"file"`
	Object  string `yaml:"object"`
	Channel string `yaml:"channel"`
}

// RoutingConfig holds the routing rules, evaluated in order.
type RoutingConfig struct {
	// Default is the mode of everything no rule selects.
	Default  string              `yaml:"default"`
	Rules    []RuleConfig        `yaml:"rules"`
	Mirrors  []PatternConfig     `yaml:"mirrors"`
	Zerocopy []PatternConfig     `yaml:"zerocopy"`
	Channels []ChannelRuleConfig `yaml:"channels"`
}

// RetentionConfig represents buffer retention settings
type RetentionConfig struct {
	DefaultKeep bool `yaml:"default_keep"`

	// Keep and Release are file patterns; the first match wins.
	Keep         []string `yaml:"keep"`
	Release      []string `yaml:"release"`
	KeepChannels []string `yaml:"keep_channels"`
}

// StorageConfig represents the pass-through store
type StorageConfig struct {
	// URI is mem://, file:///path or s3://bucket[/prefix].
	URI string    `yaml:"uri"`
	S3  s3.Config `yaml:"s3"`

	// CacheSize bounds the in-memory cache of stored dataset buffers; empty
	// or zero disables it.
	CacheSize string `yaml:"cache_size"`
}

// TransportConfig represents producer/consumer transport settings
type TransportConfig struct {
	Group        string `yaml:"group"`
	RemoteGroup  string `yaml:"remote_group"`
	Listen       string `yaml:"listen"`
	Connect      string `yaml:"connect"`
	DialAttempts int    `yaml:"dial_attempts"`

	DefaultChannel string `yaml:"default_channel"`
	ServeOnClose   bool   `yaml:"serve_on_close"`

	SegmentSize    string        `yaml:"segment_size"`
	Compress       bool          `yaml:"compress"`
	BandwidthLimit string        `yaml:"bandwidth_limit"`
	RoundTimeout   time.Duration `yaml:"round_timeout"`
}

// MirrorConfig represents best-effort mirror settings
type MirrorConfig struct {
	Retry   retry.Config   `yaml:"retry"`
	Breaker circuit.Config `yaml:"breaker"`
}

// MetricsConfig represents Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// APIConfig represents the diagnostics API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// InspectConfig represents the read-only inspection mount
type InspectConfig struct {
	MountPoint string `yaml:"mount_point"`
	AllowOther bool   `yaml:"allow_other"`
}

// NewDefault creates a new configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Routing: RoutingConfig{
			Default: "passthru",
		},
		Storage: StorageConfig{
			URI:       "mem://",
			S3:        *s3.NewDefaultConfig(),
			CacheSize: "64MB",
		},
		Transport: TransportConfig{
			Group:        "producer",
			RemoteGroup:  "consumer",
			DialAttempts: 10,
			SegmentSize:  "1MB",
			RoundTimeout: 10 * time.Minute,
		},
		Mirror: MirrorConfig{
			Retry:   retry.DefaultConfig(),
			Breaker: circuit.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "lowfive",
		},
		API: APIConfig{
			Enabled: false,
			Address: "127.0.0.1:8080",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Logging
	if val := os.Getenv("LOWFIVE_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToUpper(val)
	}
	if val := os.Getenv("LOWFIVE_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("LOWFIVE_LOG_FILE"); val != "" {
		c.Log.File = val
	}
	if val := os.Getenv("LOWFIVE_LOG_COMPONENTS"); val != "" {
		components, err := parseComponentLevels(val)
		if err != nil {
			return err
		}
		c.Log.Components = components
	}

	// Routing and retention
	if val := os.Getenv("LOWFIVE_MODE"); val != "" {
		c.Routing.Default = val
	}
	if val := os.Getenv("LOWFIVE_KEEP"); val != "" {
		c.Retention.DefaultKeep = parseBool(val)
	}

	// Storage
	if val := os.Getenv("LOWFIVE_STORAGE_URI"); val != "" {
		c.Storage.URI = val
	}
	if val := os.Getenv("LOWFIVE_CACHE_SIZE"); val != "" {
		c.Storage.CacheSize = val
	}
	if val := os.Getenv("LOWFIVE_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("LOWFIVE_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
		c.Storage.S3.ForcePathStyle = true
	}

	// Transport
	if val := os.Getenv("LOWFIVE_GROUP"); val != "" {
		c.Transport.Group = val
	}
	if val := os.Getenv("LOWFIVE_REMOTE_GROUP"); val != "" {
		c.Transport.RemoteGroup = val
	}
	if val := os.Getenv("LOWFIVE_LISTEN"); val != "" {
		c.Transport.Listen = val
	}
	if val := os.Getenv("LOWFIVE_CONNECT"); val != "" {
		c.Transport.Connect = val
	}
	if val := os.Getenv("LOWFIVE_COMPRESS"); val != "" {
		c.Transport.Compress = parseBool(val)
	}
	if val := os.Getenv("LOWFIVE_SERVE_ON_CLOSE"); val != "" {
		c.Transport.ServeOnClose = parseBool(val)
	}

	// Observability
	if val := os.Getenv("LOWFIVE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = parseBool(val)
	}
	if val := os.Getenv("LOWFIVE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	if val := os.Getenv("LOWFIVE_API_ADDRESS"); val != "" {
		c.API.Address = val
		c.API.Enabled = true
	}
	if val := os.Getenv("LOWFIVE_MOUNT_POINT"); val != "" {
		c.Inspect.MountPoint = val
	}

	return nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SaveToFile saves configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeConfigSave, "failed to marshal config", err).WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeConfigSave, "failed to create config directory", err).WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeConfigSave, "failed to write config file", err).WithComponent("config")
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return pkgerrors.Newf(pkgerrors.ErrCodeConfigValidation, format, args...).WithComponent("config")
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Log.Level); err != nil {
		return invalid("invalid log level: %s", c.Log.Level)
	}
	if _, err := utils.ParseLogFormat(c.Log.Format); err != nil {
		return invalid("invalid log format: %s", c.Log.Format)
	}
	for component, level := range c.Log.Components {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("invalid log level for component %s: %s", component, level)
		}
	}

	if c.Routing.Default != "" {
		if _, err := types.ParseMode(c.Routing.Default); err != nil {
			return invalid("invalid default mode: %s", c.Routing.Default)
		}
	}
	for i, r := range c.Routing.Rules {
		if _, err := types.ParseMode(r.Mode); err != nil {
			return invalid("rule %d: invalid mode %q", i, r.Mode)
		}
		if _, err := types.ParseOpClasses(r.Ops); err != nil {
			return invalid("rule %d: %v", i, err)
		}
	}
	for i, r := range c.Routing.Channels {
		if r.Channel == "" {
			return invalid("channel rule %d: channel name is required", i)
		}
	}

	if _, _, err := c.Storage.Location(); err != nil {
		return err
	}
	if _, err := c.Storage.CacheBytes(); err != nil {
		return err
	}

	if c.Transport.Listen != "" && c.Transport.Connect != "" {
		return invalid("transport listen and connect are mutually exclusive")
	}
	if c.Transport.Group == c.Transport.RemoteGroup {
		return invalid("transport group and remote_group cannot be the same")
	}
	if c.Transport.SegmentSize != "" {
		if size, err := utils.ParseBytes(c.Transport.SegmentSize); err != nil || size <= 0 {
			return invalid("invalid segment_size: %s", c.Transport.SegmentSize)
		}
	}
	if c.Transport.BandwidthLimit != "" {
		if _, err := utils.ParseBytes(c.Transport.BandwidthLimit); err != nil {
			return invalid("invalid bandwidth_limit: %s", c.Transport.BandwidthLimit)
		}
	}

	if c.Mirror.Retry.MaxAttempts <= 0 {
		return invalid("mirror retry max_attempts must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("invalid metrics port: %d", c.Metrics.Port)
	}
	if c.API.Enabled && c.API.Address == "" {
		return invalid("api address is required when the api is enabled")
	}

	return nil
}

// Storage schemes accepted in StorageConfig.URI.
const (
	SchemeMemory = "mem"
	SchemeFile   = "file"
	SchemeS3     = "s3"
)

// Location splits the storage URI into its scheme and location: a directory
// for file://, "bucket/prefix" for s3:// and "" for mem://.
func (s StorageConfig) Location() (scheme, location string, err error) {
	uri := s.URI
	if uri == "" {
		uri = "mem://"
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", invalid("invalid storage uri %q: %v", uri, err)
	}
	switch u.Scheme {
	case SchemeMemory:
		return SchemeMemory, "", nil
	case SchemeFile, "":
		dir := u.Path
		if u.Scheme == "" {
			dir = uri
		}
		if dir == "" {
			return "", "", invalid("storage uri %q has no directory", uri)
		}
		return SchemeFile, dir, nil
	case SchemeS3:
		if u.Host == "" {
			return "", "", invalid("storage uri %q has no bucket", uri)
		}
		return SchemeS3, u.Host + u.Path, nil
	default:
		return "", "", invalid("unsupported storage scheme %q (use mem, file or s3)", u.Scheme)
	}
}

// CacheBytes returns the buffer cache capacity in bytes.
func (s StorageConfig) CacheBytes() (int64, error) {
	if s.CacheSize == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(s.CacheSize)
	if err != nil {
		return 0, invalid("invalid cache_size: %s", s.CacheSize)
	}
	return n, nil
}

// BuildEngine creates a routing engine from the routing section. Route
// rules keep their order and the default mode is appended as a catch-all.
func (r RoutingConfig) BuildEngine() (*routing.Engine, error) {
	engine := routing.NewEngine()
	if err := r.Apply(engine); err != nil {
		return nil, err
	}
	return engine, nil
}

// Apply adds the routing section to an existing engine.
func (r RoutingConfig) Apply(engine *routing.Engine) error {
	for _, rule := range r.Rules {
		mode, err := types.ParseMode(rule.Mode)
		if err != nil {
			return invalid("%v", err)
		}
		ops, err := types.ParseOpClasses(rule.Ops)
		if err != nil {
			return invalid("%v", err)
		}
		if err := engine.AddRule(orAll(rule.File), orAll(rule.Object), mode, ops); err != nil {
			return err
		}
	}
	if r.Default != "" {
		mode, err := types.ParseMode(r.Default)
		if err != nil {
			return invalid("%v", err)
		}
		if mode != types.ModePassthru {
			if err := engine.AddRule("*", "*", mode); err != nil {
				return err
			}
		}
	}
	for _, m := range r.Mirrors {
		if err := engine.AddMirror(orAll(m.File), orAll(m.Object)); err != nil {
			return err
		}
	}
	for _, z := range r.Zerocopy {
		if err := engine.AddZerocopy(orAll(z.File), orAll(z.Object)); err != nil {
			return err
		}
	}
	for _, ch := range r.Channels {
		if err := engine.AddChannel(orAll(ch.File), orAll(ch.Object), ch.Channel); err != nil {
			return err
		}
	}
	return nil
}

func orAll(pattern string) string {
	if pattern == "" {
		return "*"
	}
	return pattern
}

// Apply configures a retention manager from the retention section.
func (r RetentionConfig) Apply(m *lifecycle.Manager) error {
	m.SetDefault(r.DefaultKeep)
	for _, p := range r.Keep {
		if err := m.SetKeepPattern(p, true); err != nil {
			return err
		}
	}
	for _, p := range r.Release {
		if err := m.SetKeepPattern(p, false); err != nil {
			return err
		}
	}
	for _, ch := range r.KeepChannels {
		m.SetChannelKeep(ch, true)
	}
	return nil
}

// Logger builds the structured logger described by the log section. The
// returned closer releases the log file, if any.
func (l LogConfig) Logger() (*utils.StructuredLogger, func() error, error) {
	level, err := utils.ParseLogLevel(l.Level)
	if err != nil {
		return nil, nil, invalid("invalid log level: %s", l.Level)
	}
	format, err := utils.ParseLogFormat(l.Format)
	if err != nil {
		return nil, nil, invalid("invalid log format: %s", l.Format)
	}

	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	out, err := utils.OpenLogOutput(l.File)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidConfig, "cannot open log file", err).
			WithComponent("config").
			WithContext("file", l.File)
	}
	cfg.Output = out
	closer := func() error { return nil }
	if f, ok := out.(*os.File); ok && f != os.Stderr {
		closer = f.Close
	}

	logger, err := utils.NewStructuredLogger(cfg)
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	for component, name := range l.Components {
		level, err := utils.ParseLogLevel(name)
		if err != nil {
			_ = closer()
			return nil, nil, invalid("invalid log level for component %s: %s", component, name)
		}
		logger.SetComponentLevel(component, level)
	}
	return logger, closer, nil
}

// parseComponentLevels parses "transport=DEBUG,vol=TRACE".
func parseComponentLevels(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		component, level, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(component) == "" {
			return nil, invalid("invalid component log level: %q", pair)
		}
		out[strings.TrimSpace(component)] = strings.ToUpper(strings.TrimSpace(level))
	}
	return out, nil
}
