package adapter

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/diatomic/LowFive/internal/cache"
	"github.com/diatomic/LowFive/internal/circuit"
	"github.com/diatomic/LowFive/internal/config"
	"github.com/diatomic/LowFive/internal/fuse"
	"github.com/diatomic/LowFive/internal/lifecycle"
	"github.com/diatomic/LowFive/internal/metrics"
	"github.com/diatomic/LowFive/internal/passthru"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/internal/storage/local"
	"github.com/diatomic/LowFive/internal/storage/memory"
	"github.com/diatomic/LowFive/internal/storage/s3"
	"github.com/diatomic/LowFive/internal/transport"
	"github.com/diatomic/LowFive/internal/vol"
	"github.com/diatomic/LowFive/pkg/api"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/retry"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Adapter assembles a LowFive process from its configuration: logger,
// pass-through store, routing engine, retention, metrics, connector, and
// the optional diagnostics API, inspection mount and transport links.
type Adapter struct {
	config   *config.Configuration
	logger   *utils.StructuredLogger
	closeLog func() error

	backend   types.Backend
	store     *passthru.Store
	engine    *routing.Engine
	lifecycle *lifecycle.Manager
	collector *metrics.Collector
	connector *vol.Connector

	mu       sync.Mutex
	api      *api.Server
	mount    *fuse.MountManager
	listener *transport.Listener
	started  bool
	stopped  bool
}

// New creates a new adapter. Nothing listens or mounts until Start.
func New(ctx context.Context, cfg *config.Configuration) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLog, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}
	a := &Adapter{config: cfg, logger: logger, closeLog: closeLog}

	if err := a.build(ctx); err != nil {
		_ = a.release()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) build(ctx context.Context) error {
	cfg := a.config

	backend, err := OpenBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	a.backend = backend
	cacheSize, err := cfg.Storage.CacheBytes()
	if err != nil {
		return err
	}
	a.store = passthru.New(backend, passthru.Config{
		Logger: a.logger,
		Cache:  cache.NewLRU(&cache.Config{MaxSize: cacheSize}),
	})

	if a.engine, err = cfg.Routing.BuildEngine(); err != nil {
		return err
	}

	a.lifecycle = lifecycle.NewManager(lifecycle.Config{Logger: a.logger})
	if err := cfg.Retention.Apply(a.lifecycle); err != nil {
		return err
	}

	a.collector, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return err
	}
	a.collector.SetLogger(a.logger)

	a.connector = vol.New(vol.Config{
		Engine:         a.engine,
		Store:          a.store,
		Lifecycle:      a.lifecycle,
		Breakers:       circuit.NewManager(cfg.Mirror.Breaker),
		MirrorRetry:    cfg.Mirror.Retry,
		DefaultChannel: cfg.Transport.DefaultChannel,
		ServeOnClose:   cfg.Transport.ServeOnClose,
		Logger:         a.logger,
		Metrics:        a.collector,
	})

	scheme, location, _ := cfg.Storage.Location()
	a.logger.Info("connector ready", utils.Fields{
		"storage":  scheme,
		"location": location,
		"rules":    len(a.engine.Rules()),
	})
	return nil
}

// OpenBackend opens the blob store named by the storage URI.
func OpenBackend(ctx context.Context, storage config.StorageConfig) (types.Backend, error) {
	scheme, location, err := storage.Location()
	if err != nil {
		return nil, err
	}
	switch scheme {
	case config.SchemeFile:
		return local.New(location)
	case config.SchemeS3:
		bucket, prefix, _ := strings.Cut(location, "/")
		s3cfg := storage.S3
		if prefix != "" {
			s3cfg.Prefix = strings.Trim(s3cfg.Prefix+"/"+prefix, "/")
		}
		return s3.NewBackend(ctx, bucket, &s3cfg)
	default:
		return memory.New(), nil
	}
}

// Config returns the configuration the adapter was built from.
func (a *Adapter) Config() *config.Configuration { return a.config }

// Logger returns the process logger.
func (a *Adapter) Logger() *utils.StructuredLogger { return a.logger }

// Connector returns the call interception layer.
func (a *Adapter) Connector() *vol.Connector { return a.connector }

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.collector }

// Backend returns the blob store behind the pass-through store.
func (a *Adapter) Backend() types.Backend { return a.backend }

// Start serves diagnostics and mounts the inspection filesystem as
// configured. Metrics are served by the diagnostics API when it runs and on
// their own port otherwise.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return pkgerrors.NewError(pkgerrors.ErrCodeAlreadyStarted, "adapter already started").WithComponent("adapter")
	}

	cfg := a.config
	if cfg.API.Enabled {
		apiCfg := api.DefaultServerConfig()
		apiCfg.Address = cfg.API.Address
		opts := api.Options{Store: a.backend, Logger: a.logger}
		if a.collector.Enabled() {
			opts.Metrics = a.collector.Handler()
		}
		a.api = api.NewServer(apiCfg, a.connector, opts)
		a.api.StartBackground()
	} else if err := a.collector.Start(ctx); err != nil {
		return err
	}

	if cfg.Inspect.MountPoint != "" {
		fsys := fuse.NewFileSystem(a.connector, fuse.DefaultConfig(), a.logger)
		a.mount = fuse.NewMountManager(fsys, &fuse.MountConfig{
			MountPoint: cfg.Inspect.MountPoint,
			AllowOther: cfg.Inspect.AllowOther,
		}, a.logger)
		if err := a.mount.Mount(ctx); err != nil {
			return err
		}
	}

	a.started = true
	a.logger.Info("adapter started")
	return nil
}

// Listen binds the configured listen address, if not yet bound, and
// returns the bound address.
func (a *Adapter) Listen() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		if a.config.Transport.Listen == "" {
			return "", pkgerrors.NewError(pkgerrors.ErrCodeInvalidConfig, "no transport listen address configured").
				WithComponent("adapter")
		}
		ln, err := transport.Listen(a.config.Transport.Listen)
		if err != nil {
			return "", err
		}
		a.listener = ln
	}
	return a.listener.Addr(), nil
}

// OpenChannel establishes the configured link, accepting on the listen
// address or dialing the connect address, and registers a channel with the
// given role on the connector.
func (a *Adapter) OpenChannel(ctx context.Context, role transport.Role) (*transport.Channel, error) {
	tc := a.config.Transport

	var (
		link transport.Link
		err  error
	)
	switch {
	case tc.Listen != "":
		if _, err = a.Listen(); err != nil {
			return nil, err
		}
		link, err = a.listener.Accept(ctx)
	case tc.Connect != "":
		attempts := tc.DialAttempts
		if attempts <= 0 {
			attempts = 1
		}
		link, err = transport.Dial(ctx, tc.Connect, retry.Config{
			MaxAttempts:  attempts,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		})
	default:
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidConfig, "transport needs a listen or connect address").
			WithComponent("adapter")
	}
	if err != nil {
		return nil, err
	}

	chCfg, err := a.channelConfig()
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	ch, err := transport.Open(ctx, transport.GroupID(tc.Group), transport.GroupID(tc.RemoteGroup), role, link, chCfg)
	if err != nil {
		return nil, err
	}
	if err := a.connector.AddChannel(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	a.logger.Info("channel open", utils.Fields{
		"channel": ch.Name(),
		"role":    string(role),
		"local":   tc.Group,
		"remote":  tc.RemoteGroup,
	})
	return ch, nil
}

func (a *Adapter) channelConfig() (transport.Config, error) {
	tc := a.config.Transport
	cfg := transport.DefaultConfig()
	cfg.Compress = tc.Compress
	cfg.Logger = a.logger
	cfg.Metrics = a.collector
	if tc.SegmentSize != "" {
		size, err := utils.ParseBytes(tc.SegmentSize)
		if err != nil {
			return cfg, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidConfig, "invalid segment size", err).WithComponent("adapter")
		}
		cfg.SegmentSize = int(size)
	}
	if tc.BandwidthLimit != "" {
		limit, err := utils.ParseBytes(tc.BandwidthLimit)
		if err != nil {
			return cfg, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidConfig, "invalid bandwidth limit", err).WithComponent("adapter")
		}
		cfg.BytesPerSecond = float64(limit)
	}
	return cfg, nil
}

// RoundContext bounds one transport round by the configured timeout.
func (a *Adapter) RoundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.Transport.RoundTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.config.Transport.RoundTimeout)
}

// Stop gracefully stops the adapter: unmount, stop serving, release every
// resident file and channel, close the store and the log.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var err error
	if a.mount != nil && a.mount.IsMounted() {
		err = multierr.Append(err, a.mount.Unmount())
	}
	if a.api != nil {
		err = multierr.Append(err, a.api.Shutdown(ctx))
	}
	if a.collector != nil {
		err = multierr.Append(err, a.collector.Stop(ctx))
	}
	if a.listener != nil {
		err = multierr.Append(err, a.listener.Close())
	}
	if a.connector != nil {
		err = multierr.Append(err, a.connector.Close())
	}
	a.logger.Info("adapter stopped")
	return multierr.Append(err, a.release())
}

func (a *Adapter) release() error {
	var err error
	if c, ok := a.backend.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if a.closeLog != nil {
		err = multierr.Append(err, a.closeLog())
	}
	return err
}
