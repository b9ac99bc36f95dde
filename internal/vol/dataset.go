package vol

import (
	"context"
	"time"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/routing"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

var datasets = []metadata.Kind{metadata.KindDataset}

func checkType(n *metadata.Node, dt metadata.Datatype) error {
	if !n.Datatype().Equal(dt) {
		return pkgerrors.Newf(pkgerrors.ErrCodeTypeMismatch, "%s stores %s, not %s", n.Path(), n.Datatype(), dt).
			WithComponent("vol")
	}
	return nil
}

func checkMutable(f *metadata.File) error {
	if f.Sealed() {
		return pkgerrors.Newf(pkgerrors.ErrCodeSealed, "file %q is sealed for a transport round", f.Path()).
			WithComponent("vol")
	}
	return nil
}

// DatasetCreate creates a dataset below loc.
func (c *Connector) DatasetCreate(ctx context.Context, loc *Object, name string, dt metadata.Datatype, space metadata.Dataspace) (*Object, error) {
	n, err := c.structural(ctx, "DatasetCreate", loc, containers, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		parent, base, err := parentOf(e.file, n, name)
		if err != nil {
			return nil, err
		}
		return parent.CreateDataset(base, dt, space)
	})
	if err != nil {
		return nil, err
	}
	return &Object{entry: loc.entry, node: n}, nil
}

// DatasetOpen opens the dataset at path relative to loc.
func (c *Connector) DatasetOpen(ctx context.Context, loc *Object, p string) (*Object, error) {
	const op = "DatasetOpen"
	var found *metadata.Node
	err := c.query(op, loc, containers, func(e *fileEntry, n *metadata.Node) error {
		ds, err := lookup(e, n, p, metadata.KindDataset)
		if err != nil {
			return err
		}
		if err := expectKind(ds, op, metadata.KindDataset); err != nil {
			return err
		}
		found = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Object{entry: loc.entry, node: found}, nil
}

// DatasetWrite writes the selection sel (nil selects everything) of a
// dataset. data must hold exactly the selected elements of type dt.
func (c *Connector) DatasetWrite(ctx context.Context, ds *Object, dt metadata.Datatype, sel *metadata.Hyperslab, data []byte) (err error) {
	const op = "DatasetWrite"
	start := time.Now()
	e, n, err := c.handle(ds, op, metadata.KindDataset)
	if err != nil {
		return err
	}
	mode := e.mode
	defer func() { c.record(op, mode, start, int64(len(data)), err) }()

	e.file.Lock()
	defer e.file.Unlock()
	if err := live(e, n, op); err != nil {
		return err
	}
	if err := checkType(n, dt); err != nil {
		return annotate(op, err)
	}

	d := c.decide(e, n.Path(), types.OpDataWrite)
	mode = d.Mode
	if d.Mode == types.ModePassthru {
		return annotate(op, c.writeThrough(ctx, e, n, sel, data))
	}

	own := metadata.OwnershipCore
	if d.Zerocopy {
		own = metadata.OwnershipUser
	}
	if err := n.Write(sel, data, own); err != nil {
		return annotate(op, err)
	}
	if d.Mirror {
		c.mirror.data(e.path, n.Path(), n.Data())
	}
	return nil
}

// writeThrough stores a dataset buffer in the pass-through store. Partial
// writes merge into the stored buffer.
func (c *Connector) writeThrough(ctx context.Context, e *fileEntry, n *metadata.Node, sel *metadata.Hyperslab, data []byte) error {
	if err := checkMutable(e.file); err != nil {
		return err
	}
	var stored []byte
	if sel != nil {
		buf, err := c.store.ReadData(ctx, e.path, n.Path(), 0, 0)
		switch {
		case err == nil && int64(len(buf)) == n.ByteSize():
			stored = buf
		case err != nil && !pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady):
			return err
		}
	}
	buf, err := n.Patch(stored, sel, data)
	if err != nil {
		return err
	}
	return c.store.WriteData(ctx, e.path, n.Path(), buf)
}

// DatasetRead reads the selection sel (nil selects everything). A dataset
// without data fails with NOT_READY, except in a remote-mode file where a
// round is filling it: the read then blocks until the fill completes,
// fails, or ctx ends.
func (c *Connector) DatasetRead(ctx context.Context, ds *Object, dt metadata.Datatype, sel *metadata.Hyperslab) (out []byte, err error) {
	const op = "DatasetRead"
	start := time.Now()
	e, n, err := c.handle(ds, op, metadata.KindDataset)
	if err != nil {
		return nil, err
	}
	mode := e.mode
	defer func() { c.record(op, mode, start, int64(len(out)), err) }()

	e.file.Lock()
	defer e.file.Unlock()
	if err := live(e, n, op); err != nil {
		return nil, err
	}
	if n.Placeholder() {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotReady, "%s has not been delivered yet", n.Path()).
			WithComponent("vol").
			WithOperation(op).
			WithContext("file", e.path)
	}
	if err := checkType(n, dt); err != nil {
		return nil, annotate(op, err)
	}

	d := c.decide(e, n.Path(), types.OpDataRead)
	mode = d.Mode
	if !n.HasData() && c.storedData(e, n, d) {
		stored, err := c.store.ReadData(ctx, e.path, n.Path(), 0, 0)
		if err != nil {
			return nil, annotate(op, err)
		}
		out, err := n.Extract(stored, sel)
		return out, annotate(op, err)
	}
	if d.Mode == types.ModeRemote && n.Pending() {
		if err := n.AwaitData(ctx); err != nil {
			return nil, annotate(op, err)
		}
	}
	out, err = n.Read(sel)
	return out, annotate(op, err)
}

// storedData reports whether a dataset's buffer lives in the store: it is
// read through, or it is written through while reads route elsewhere.
func (c *Connector) storedData(e *fileEntry, n *metadata.Node, read routing.Decision) bool {
	switch read.Mode {
	case types.ModePassthru:
		return true
	case types.ModeMemory:
		return c.decide(e, n.Path(), types.OpDataWrite).Mode == types.ModePassthru
	default:
		return false
	}
}

// DatasetSetExtent changes the current extents of a dataset within its
// maximum extents, keeping the overlapping data.
func (c *Connector) DatasetSetExtent(ctx context.Context, ds *Object, dims []uint64) error {
	_, err := c.structural(ctx, "DatasetSetExtent", ds, datasets, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		if c.decide(e, n.Path(), types.OpDataWrite).Mode != types.ModePassthru || n.HasData() {
			return nil, n.SetExtent(dims)
		}
		return nil, c.extendThrough(ctx, e, n, dims)
	})
	return err
}

// extendThrough re-lays out a stored buffer for new extents.
func (c *Connector) extendThrough(ctx context.Context, e *fileEntry, n *metadata.Node, dims []uint64) error {
	stored, err := c.store.ReadData(ctx, e.path, n.Path(), 0, 0)
	if err != nil {
		if !pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady) {
			return err
		}
		return n.SetExtent(dims)
	}
	if err := n.Write(nil, stored, metadata.OwnershipUser); err != nil {
		return err
	}
	defer n.Release()
	if err := n.SetExtent(dims); err != nil {
		return err
	}
	return c.store.WriteData(ctx, e.path, n.Path(), n.Data())
}

// DatasetInfo returns the descriptors of a dataset.
func (c *Connector) DatasetInfo(ctx context.Context, ds *Object) (DatasetInfo, error) {
	const op = "DatasetInfo"
	var info DatasetInfo
	err := c.query(op, ds, datasets, func(e *fileEntry, n *metadata.Node) error {
		if n.Placeholder() {
			return pkgerrors.Newf(pkgerrors.ErrCodeNotReady, "%s has not been delivered yet", n.Path()).
				WithComponent("vol")
		}
		info = DatasetInfo{
			Datatype:  n.Datatype(),
			Dataspace: n.Dataspace(),
			Resident:  n.HasData(),
			Pending:   n.Pending(),
			Scale:     n.IsScale(),
			ScaleName: n.ScaleName(),
		}
		return nil
	})
	return info, err
}

// DatasetClose closes a dataset handle.
func (c *Connector) DatasetClose(ctx context.Context, ds *Object) error {
	return c.closeHandle("DatasetClose", ds, metadata.KindDataset)
}

// AttrCreate attaches an attribute to a file, group or dataset.
func (c *Connector) AttrCreate(ctx context.Context, loc *Object, name string, dt metadata.Datatype, space metadata.Dataspace) (*Object, error) {
	n, err := c.structural(ctx, "AttrCreate", loc, owners, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		return n.CreateAttribute(name, dt, space)
	})
	if err != nil {
		return nil, err
	}
	return &Object{entry: loc.entry, node: n}, nil
}

// AttrOpen opens an attribute of loc by name.
func (c *Connector) AttrOpen(ctx context.Context, loc *Object, name string) (*Object, error) {
	var found *metadata.Node
	err := c.query("AttrOpen", loc, owners, func(e *fileEntry, n *metadata.Node) error {
		a, ok := n.Attribute(name)
		if ok {
			found = a
			return nil
		}
		code := pkgerrors.ErrCodeNotFound
		if n.Placeholder() || e.file.Placeholder() {
			code = pkgerrors.ErrCodeNotReady
		}
		return pkgerrors.Newf(code, "attribute %q not found on %s", name, n.Path()).
			WithComponent("vol").
			WithContext("file", e.path)
	})
	if err != nil {
		return nil, err
	}
	return &Object{entry: loc.entry, node: found}, nil
}

// AttrWrite writes the whole value of an attribute. Attribute values live
// in the structure, so a pass-through file stores its manifest again.
func (c *Connector) AttrWrite(ctx context.Context, attr *Object, dt metadata.Datatype, data []byte) error {
	_, err := c.structural(ctx, "AttrWrite", attr, []metadata.Kind{metadata.KindAttribute}, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		if err := checkType(n, dt); err != nil {
			return nil, err
		}
		return nil, n.Write(nil, data, metadata.OwnershipCore)
	})
	return err
}

// AttrRead reads the whole value of an attribute.
func (c *Connector) AttrRead(ctx context.Context, attr *Object, dt metadata.Datatype) ([]byte, error) {
	var out []byte
	err := c.query("AttrRead", attr, []metadata.Kind{metadata.KindAttribute}, func(e *fileEntry, n *metadata.Node) error {
		if err := checkType(n, dt); err != nil {
			return err
		}
		var err error
		out, err = n.Read(nil)
		return err
	})
	return out, err
}

// AttrExists reports whether loc carries the named attribute.
func (c *Connector) AttrExists(ctx context.Context, loc *Object, name string) (bool, error) {
	var exists bool
	err := c.query("AttrExists", loc, owners, func(e *fileEntry, n *metadata.Node) error {
		_, exists = n.Attribute(name)
		return nil
	})
	return exists, err
}

// AttrNames lists the attributes of loc in creation order.
func (c *Connector) AttrNames(ctx context.Context, loc *Object) ([]string, error) {
	var names []string
	err := c.query("AttrNames", loc, owners, func(e *fileEntry, n *metadata.Node) error {
		for _, a := range n.Attributes() {
			names = append(names, a.Name())
		}
		return nil
	})
	return names, err
}

// AttrClose closes an attribute handle.
func (c *Connector) AttrClose(ctx context.Context, attr *Object) error {
	return c.closeHandle("AttrClose", attr, metadata.KindAttribute)
}
