package vol

import (
	"context"
	"time"

	"github.com/diatomic/LowFive/internal/metadata"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// FileCreate creates (or truncates) a file. Its routing mode is fixed by
// the first route rule whose file pattern matches path.
func (c *Connector) FileCreate(ctx context.Context, path string) (obj *Object, err error) {
	const op = "FileCreate"
	start := time.Now()
	mode := c.engine.FileMode(path)
	defer func() { c.record(op, mode, start, 0, err) }()

	if err := utils.ValidatePath(path, true); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidArgument, "invalid file path", err).
			WithComponent("vol").
			WithOperation(op)
	}

	e := &fileEntry{path: path, file: metadata.NewFile(path, mode), mode: mode, handles: 1}
	if err := c.register(e); err != nil {
		return nil, annotate(op, err)
	}
	c.lifecycle.Pin(path)

	e.file.Lock()
	err = c.createInStore(ctx, e)
	e.file.Unlock()
	if err != nil {
		c.lifecycle.Unpin(path)
		c.drop(e)
		return nil, annotate(op, err)
	}

	c.logger.Debug("file created", utils.Fields{"file": path, "mode": mode.String()})
	return &Object{entry: e, node: e.file.Root()}, nil
}

// createInStore truncates a pass-through file in the store, or mirrors a
// new memory file. The caller holds the file lock.
func (c *Connector) createInStore(ctx context.Context, e *fileEntry) error {
	d := c.decide(e, "/", types.OpStructural)
	if e.mode == types.ModePassthru {
		exists, err := c.store.Exists(ctx, e.path)
		if err != nil {
			return err
		}
		if exists {
			if err := c.store.Remove(ctx, e.path); err != nil {
				return err
			}
		}
	}
	return c.persist(ctx, e, d)
}

// FileOpen opens a file. A resident file is shared between handles. A
// pass-through file is loaded from the store. A remote-mode file that no
// round has delivered yet is opened as a placeholder that the next round
// fills in place; until then its datasets are not ready.
func (c *Connector) FileOpen(ctx context.Context, path string) (obj *Object, err error) {
	const op = "FileOpen"
	start := time.Now()
	mode := c.engine.FileMode(path)
	defer func() { c.record(op, mode, start, 0, err) }()

	if e, ok := c.acquire(path); ok {
		return &Object{entry: e, node: e.file.Root()}, nil
	}

	var e *fileEntry
	switch mode {
	case types.ModePassthru:
		f, err := c.store.Load(ctx, path)
		if err != nil {
			return nil, annotate(op, err)
		}
		e = &fileEntry{path: path, file: f, mode: mode}
	case types.ModeRemote:
		e = &fileEntry{path: path, file: metadata.NewPlaceholderFile(path, mode), mode: mode, consumer: true}
	default:
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "memory file %q is not resident", path).
			WithComponent("vol").
			WithOperation(op)
	}

	c.mu.Lock()
	if cur, ok := c.files.get(path); ok {
		// another open won the race
		e = cur
	} else {
		e.file.Subscribe(c.lifecycle.Observer())
		c.files.put(e)
	}
	e.handles++
	resident := c.files.len()
	c.mu.Unlock()
	c.lifecycle.Pin(path)
	if c.metrics != nil {
		c.metrics.SetResidentFiles(resident)
	}

	c.logger.Debug("file opened", utils.Fields{"file": path, "mode": mode.String(), "placeholder": e.file.Placeholder()})
	return &Object{entry: e, node: e.file.Root()}, nil
}

// acquire takes a handle on a resident file.
func (c *Connector) acquire(path string) (*fileEntry, bool) {
	c.mu.Lock()
	e, ok := c.files.get(path)
	if ok {
		e.handles++
	}
	c.mu.Unlock()
	if ok {
		c.lifecycle.Pin(path)
	}
	return e, ok
}

// FileClose closes a file handle. When the last handle closes, a
// remote-mode producer file is sent if serve-on-close is on, the close
// callbacks run, and the file's buffers are released unless retention keeps
// them. Producer files that have not been sent yet stay resident until the
// next round carries them.
func (c *Connector) FileClose(ctx context.Context, file *Object) (err error) {
	const op = "FileClose"
	start := time.Now()
	e, _, err := c.handle(file, op, metadata.KindFile)
	if err != nil {
		return err
	}
	defer func() { c.record(op, e.mode, start, 0, err) }()
	if !file.closed.CompareAndSwap(false, true) {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidHandle, "handle is closed").
			WithComponent("vol").
			WithOperation(op)
	}

	c.mu.Lock()
	e.handles--
	last := e.handles == 0
	serve := c.serveOnClose
	callbacks := append(([]func(string))(nil), c.onClose...)
	c.mu.Unlock()
	releasable := c.lifecycle.Unpin(e.path)
	if !last {
		return nil
	}

	producer := e.mode == types.ModeRemote && !e.consumer
	if producer && serve {
		if _, err = c.serveFiles(ctx, []*fileEntry{e}); err != nil {
			err = annotate(op, err)
		}
	}
	for _, fn := range callbacks {
		fn(e.path)
	}

	switch {
	case e.mode == types.ModePassthru:
		c.drop(e)
	case producer:
		// released after the round that carries it
	case releasable:
		c.drop(e)
	}
	return err
}
