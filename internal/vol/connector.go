package vol

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/diatomic/LowFive/internal/circuit"
	"github.com/diatomic/LowFive/internal/lifecycle"
	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/passthru"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/internal/storage/memory"
	"github.com/diatomic/LowFive/internal/transport"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/retry"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Config assembles a Connector. Nil components are replaced by defaults:
// an empty routing engine (everything passes through), a pass-through store
// over an in-memory blob store, free-after-use retention and an empty
// channel registry.
type Config struct {
	Engine    *routing.Engine
	Store     *passthru.Store
	Lifecycle *lifecycle.Manager
	Channels  *transport.Registry
	Breakers  *circuit.Manager

	// MirrorRetry is the retry policy of mirror copies.
	MirrorRetry retry.Config

	// DefaultChannel carries files no channel rule selects. When empty and
	// exactly one channel is registered, that channel is used.
	DefaultChannel string

	// ServeOnClose sends a remote-mode file to its consumer as soon as its
	// last handle is closed.
	ServeOnClose bool

	Logger  *utils.StructuredLogger
	Metrics types.MetricsCollector
}

// Connector intercepts the object operations of an application and routes
// each one to the pass-through store, the in-memory object model or a
// transport channel. It owns every resident File and every registered
// Channel; Close releases them.
type Connector struct {
	engine    *routing.Engine
	store     *passthru.Store
	lifecycle *lifecycle.Manager
	channels  *transport.Registry
	breakers  *circuit.Manager
	mirror    *mirror
	logger    *utils.StructuredLogger
	metrics   types.MetricsCollector

	defaultChannel string
	serveOnClose   bool

	mu      sync.Mutex
	files   *fileRegistry
	onClose []func(path string)
	closed  bool
}

// New creates a connector.
func New(config Config) *Connector {
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.Engine == nil {
		config.Engine = routing.NewEngine()
	}
	if config.Store == nil {
		config.Store = passthru.New(memory.New(), passthru.Config{Logger: logger})
	}
	if config.Lifecycle == nil {
		config.Lifecycle = lifecycle.NewManager(lifecycle.Config{Logger: logger})
	}
	if config.Channels == nil {
		config.Channels = transport.NewRegistry()
	}
	if config.Breakers == nil {
		config.Breakers = circuit.NewManager(circuit.DefaultConfig())
	}
	if config.MirrorRetry.MaxAttempts == 0 {
		config.MirrorRetry = retry.DefaultConfig()
	}

	return &Connector{
		engine:         config.Engine,
		store:          config.Store,
		lifecycle:      config.Lifecycle,
		channels:       config.Channels,
		breakers:       config.Breakers,
		mirror:         newMirror(config.Store, config.Breakers, config.MirrorRetry, logger, config.Metrics),
		logger:         logger.WithComponent("vol"),
		metrics:        config.Metrics,
		defaultChannel: config.DefaultChannel,
		serveOnClose:   config.ServeOnClose,
		files:          newFileRegistry(),
	}
}

// Engine returns the routing engine; rules may be added during a session.
func (c *Connector) Engine() *routing.Engine { return c.engine }

// Store returns the pass-through store.
func (c *Connector) Store() *passthru.Store { return c.store }

// Lifecycle returns the retention manager.
func (c *Connector) Lifecycle() *lifecycle.Manager { return c.lifecycle }

// SetServeOnClose toggles sending remote-mode files on their last close.
func (c *Connector) SetServeOnClose(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serveOnClose = on
}

// OnFileClose registers fn to run after the last handle of a file closes.
func (c *Connector) OnFileClose(fn func(path string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// AddChannel registers an open channel. Only one channel may connect a
// pair of groups.
func (c *Connector) AddChannel(ch *transport.Channel) error {
	if err := c.channels.Add(ch); err != nil {
		return err
	}
	c.logger.Info("channel added", utils.Fields{
		"channel": ch.Name(),
		"local":   ch.Local(),
		"remote":  ch.Remote(),
		"role":    ch.Role(),
	})
	return nil
}

// Files describes every resident file in path order.
func (c *Connector) Files() []types.FileStatus {
	c.mu.Lock()
	entries := c.files.all()
	handles := make([]int, len(entries))
	for i, e := range entries {
		handles[i] = e.handles
	}
	c.mu.Unlock()

	out := make([]types.FileStatus, 0, len(entries))
	for i, e := range entries {
		e.file.Lock()
		nodes, bytes := e.file.Stats()
		st := types.FileStatus{
			Name:        e.path,
			Mode:        e.mode,
			Kept:        c.lifecycle.Keep(e.path),
			OpenHandles: handles[i],
			Nodes:       nodes,
			Bytes:       bytes,
			Sealed:      e.file.Sealed(),
			Placeholder: e.file.Placeholder(),
		}
		e.file.Unlock()
		out = append(out, st)
	}
	return out
}

// Channels describes every registered channel.
func (c *Connector) Channels() []types.ChannelStatus {
	chs := c.channels.All()
	out := make([]types.ChannelStatus, len(chs))
	for i, ch := range chs {
		out[i] = ch.Status()
	}
	return out
}

// Rules describes the routing rules in evaluation order.
func (c *Connector) Rules() []types.RuleStatus {
	return c.engine.Statuses()
}

// MirrorStats reports the mirror copies made so far.
func (c *Connector) MirrorStats() MirrorStats {
	return c.mirror.stats()
}

// FlushMirror waits until every mirror copy queued so far has been stored
// or has failed.
func (c *Connector) FlushMirror(ctx context.Context) error {
	return c.mirror.flush(ctx)
}

// Breakers describes the circuit breakers guarding the pass-through store.
func (c *Connector) Breakers() []circuit.Stats {
	return c.breakers.GetStats()
}

// ResetBreakers closes every circuit breaker and clears its counts.
func (c *Connector) ResetBreakers() {
	c.breakers.ResetAll()
	c.logger.Info("circuit breakers reset")
}

// Inspect calls fn with the resident file at path while holding its lock.
func (c *Connector) Inspect(path string, fn func(*metadata.File) error) error {
	c.mu.Lock()
	e, ok := c.files.get(path)
	c.mu.Unlock()
	if !ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "file %q is not resident", path).
			WithComponent("vol")
	}
	e.file.Lock()
	defer e.file.Unlock()
	return fn(e.file)
}

// PrintFiles writes the hierarchy of every resident file to w.
func (c *Connector) PrintFiles(w io.Writer) error {
	c.mu.Lock()
	entries := c.files.all()
	c.mu.Unlock()
	for _, e := range entries {
		e.file.Lock()
		err := e.file.Print(w)
		e.file.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Save writes the resident file at path, structure and dataset buffers, to
// the pass-through store.
func (c *Connector) Save(ctx context.Context, path string) (err error) {
	start := time.Now()
	c.mu.Lock()
	e, ok := c.files.get(path)
	c.mu.Unlock()
	if !ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "file %q is not resident", path).
			WithComponent("vol").
			WithOperation("Save")
	}
	defer func() { c.record("Save", e.mode, start, 0, err) }()

	e.file.Lock()
	defer e.file.Unlock()
	return c.store.Save(ctx, e.file)
}

// Release drops a resident file regardless of its keep flag. Open handles
// on it become invalid.
func (c *Connector) Release(path string) error {
	c.mu.Lock()
	e, ok := c.files.get(path)
	c.mu.Unlock()
	if !ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "file %q is not resident", path).
			WithComponent("vol").
			WithOperation("Release")
	}
	c.drop(e)
	c.lifecycle.Forget(path)
	return nil
}

// Close releases every resident file and closes every channel.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.files.all()
	c.mu.Unlock()

	for _, e := range entries {
		c.drop(e)
	}
	c.mirror.close()
	err := c.channels.Close()
	c.logger.Info("connector closed", utils.Fields{"files": len(entries)})
	return err
}

// drop removes e from the registry and frees its buffers.
func (c *Connector) drop(e *fileEntry) {
	c.mu.Lock()
	c.files.remove(e)
	e.dropped.Store(true)
	resident := c.files.len()
	c.mu.Unlock()

	e.file.Lock()
	released := e.file.ReleaseData()
	e.file.Unlock()
	c.lifecycle.Drop(e.path)
	if c.metrics != nil {
		c.metrics.SetResidentFiles(resident)
	}
	c.logger.Debug("file released", utils.Fields{"file": e.path, "bytes": utils.FormatBytes(released)})
}

// register inserts a new entry, replacing an unused one with the same path.
func (c *Connector) register(e *fileEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidHandle, "connector is closed").WithComponent("vol")
	}
	if cur, ok := c.files.get(e.path); ok {
		if cur.handles > 0 {
			return pkgerrors.Newf(pkgerrors.ErrCodeAlreadyExists, "file %q is open", e.path).WithComponent("vol")
		}
		cur.dropped.Store(true)
	}
	e.file.Subscribe(c.lifecycle.Observer())
	c.files.put(e)
	if c.metrics != nil {
		c.metrics.SetResidentFiles(c.files.len())
	}
	return nil
}

// handle validates an object handle and its kind.
func (c *Connector) handle(o *Object, op string, kinds ...metadata.Kind) (*fileEntry, *metadata.Node, error) {
	if o == nil || o.closed.Load() {
		return nil, nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidHandle, "handle is closed").
			WithComponent("vol").
			WithOperation(op)
	}
	if o.entry.dropped.Load() {
		return nil, nil, pkgerrors.Newf(pkgerrors.ErrCodeInvalidHandle, "file %q has been released", o.entry.path).
			WithComponent("vol").
			WithOperation(op)
	}
	if len(kinds) > 0 {
		ok := false
		for _, k := range kinds {
			if o.node.Kind() == k {
				ok = true
				break
			}
		}
		if !ok {
			return nil, nil, pkgerrors.Newf(pkgerrors.ErrCodeTypeMismatch, "%s is a %s", o.node.Path(), o.node.Kind()).
				WithComponent("vol").
				WithOperation(op)
		}
	}
	return o.entry, o.node, nil
}

// live fails when a round merge removed the node. The caller holds the
// file lock.
func live(e *fileEntry, n *metadata.Node, op string) error {
	if n.Parent() == nil && n != e.file.Root() {
		return pkgerrors.Newf(pkgerrors.ErrCodeInvalidHandle, "%s no longer exists", n.Path()).
			WithComponent("vol").
			WithOperation(op).
			WithContext("file", e.path)
	}
	return nil
}

// decide routes one operation. A pass-through file serves everything from
// the store; in other files an object routed to pass-through keeps its
// data in the store while every other object follows the file's mode.
func (c *Connector) decide(e *fileEntry, object string, op types.OpClass) routing.Decision {
	if e.mode == types.ModePassthru {
		return routing.Decision{Mode: types.ModePassthru}
	}
	d := c.engine.Decide(object, e.path, op)
	if d.Mode != types.ModePassthru {
		d.Mode = e.mode
	}
	return d
}

// persist stores or mirrors the structure after a structural change. The
// caller holds the file lock.
func (c *Connector) persist(ctx context.Context, e *fileEntry, d routing.Decision) error {
	switch {
	case d.Mode == types.ModePassthru:
		return c.store.SaveStructure(ctx, e.file)
	case d.Mirror:
		c.mirror.structure(e.file)
	}
	return nil
}

func (c *Connector) record(op string, mode types.Mode, start time.Time, size int64, err error) {
	if c.metrics != nil {
		c.metrics.RecordOperation(op, mode, time.Since(start), size, err == nil)
		if err != nil {
			c.metrics.RecordError(op, err)
		}
	}
	if err != nil {
		c.logger.Debug("operation failed", utils.Fields{"op": op, "mode": mode.String(), "error": err})
	}
}

// annotate tags err with the failing operation.
func annotate(op string, err error) error {
	if err == nil {
		return nil
	}
	var lf *pkgerrors.LowFiveError
	if stderrors.As(err, &lf) && lf.Operation == "" {
		lf.Operation = op
		return err
	}
	if lf == nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeInternalError, fmt.Sprintf("%s failed", op), err).
			WithComponent("vol").
			WithOperation(op)
	}
	return err
}

// CloseAll closes several handles of any kind, joining their errors.
func CloseAll(ctx context.Context, p Plugin, objs ...*Object) error {
	var err error
	for _, o := range objs {
		if o == nil {
			continue
		}
		switch o.Kind() {
		case metadata.KindFile:
			err = multierr.Append(err, p.FileClose(ctx, o))
		case metadata.KindGroup:
			err = multierr.Append(err, p.GroupClose(ctx, o))
		case metadata.KindDataset:
			err = multierr.Append(err, p.DatasetClose(ctx, o))
		case metadata.KindAttribute:
			err = multierr.Append(err, p.AttrClose(ctx, o))
		}
	}
	return err
}
