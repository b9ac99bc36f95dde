package wire

import (
	"github.com/diatomic/LowFive/internal/metadata"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// Applied is the outcome of reconstructing a structure message.
type Applied struct {
	// Nodes maps the sender's node ids to the reconstructed nodes.
	Nodes map[uint64]*metadata.Node
	// Bulk lists the datasets whose buffers arrive separately.
	Bulk []Bulk
}

type applier struct {
	file  *metadata.File
	out   *Applied
	links []pendingLink
}

type pendingLink struct {
	node *metadata.Node
	ref  uint64
}

// ApplyFile reconstructs an encoded structure into f, which must carry the
// same path. Existing nodes with matching names and kinds are updated in
// place so that handles opened on placeholders stay valid; other nodes the
// structure does not mention are removed unless they are still
// placeholders. The caller must hold the file lock.
func ApplyFile(f *metadata.File, body []byte) (*Applied, error) {
	d, err := decodeFile(body)
	if err != nil {
		return nil, err
	}
	if d.path != f.Path() {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch,
			"structure for %q applied to file %q", d.path, f.Path()).WithComponent("wire")
	}

	a := &applier{file: f, out: &Applied{Nodes: make(map[uint64]*metadata.Node)}}
	root := f.Root()
	a.out.Nodes[d.root.id] = root
	if err := a.merge(root, d.root); err != nil {
		return nil, err
	}
	for _, l := range a.links {
		target, ok := a.out.Nodes[l.ref]
		if !ok {
			return nil, pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch, "hard link to unknown node %d", l.ref).
				WithComponent("wire")
		}
		if err := l.node.Bind(target); err != nil {
			return nil, mismatch(err)
		}
	}

	f.ResetTables()
	for _, l := range d.links {
		ds, scale := a.out.Nodes[l.dataset], a.out.Nodes[l.scale]
		if ds == nil || scale == nil {
			return nil, pkgerrors.NewError(pkgerrors.ErrCodeProtocolMismatch, "scale link to unknown node").
				WithComponent("wire")
		}
		if err := f.AttachScale(ds, l.dim, scale); err != nil {
			return nil, mismatch(err)
		}
	}
	for _, l := range d.labels {
		ds := a.out.Nodes[l.dataset]
		if ds == nil {
			return nil, pkgerrors.NewError(pkgerrors.ErrCodeProtocolMismatch, "label on unknown node").
				WithComponent("wire")
		}
		if err := f.SetLabel(ds, l.dim, l.label); err != nil {
			return nil, mismatch(err)
		}
	}
	f.ClearPlaceholder()
	return a.out, nil
}

func mismatch(err error) error {
	return pkgerrors.Wrap(pkgerrors.ErrCodeProtocolMismatch, "structure does not reconstruct", err).
		WithComponent("wire")
}

func (a *applier) merge(n *metadata.Node, d *decodedNode) error {
	seen := make(map[string]bool, len(d.attrs))
	for _, da := range d.attrs {
		seen[da.name] = true
		attr, err := a.attribute(n, da)
		if err != nil {
			return err
		}
		a.out.Nodes[da.id] = attr
	}
	for _, old := range n.Attributes() {
		if !seen[old.Name()] && !old.Placeholder() {
			if err := old.Detach(); err != nil {
				return mismatch(err)
			}
		}
	}

	seen = make(map[string]bool, len(d.children))
	for _, dc := range d.children {
		seen[dc.name] = true
		child, err := a.child(n, dc)
		if err != nil {
			return err
		}
		a.out.Nodes[dc.id] = child
		if dc.kind == metadata.KindGroup || dc.kind == metadata.KindDataset {
			if err := a.merge(child, dc); err != nil {
				return err
			}
		}
	}
	for _, old := range n.Children() {
		if !seen[old.Name()] && !old.Placeholder() {
			if err := old.Detach(); err != nil {
				return mismatch(err)
			}
		}
	}
	return nil
}

func (a *applier) attribute(n *metadata.Node, d *decodedNode) (*metadata.Node, error) {
	space := metadata.Dataspace{Dims: d.dims, MaxDims: d.maxDims}
	attr, ok := n.Attribute(d.name)
	if ok {
		if err := attr.Define(d.dtype, space); err != nil {
			return nil, mismatch(err)
		}
	} else {
		var err error
		if attr, err = n.CreateAttribute(d.name, d.dtype, space); err != nil {
			return nil, mismatch(err)
		}
	}
	if d.hasData {
		if err := attr.Write(nil, d.data, metadata.OwnershipCore); err != nil {
			return nil, mismatch(err)
		}
	}
	return attr, nil
}

func (a *applier) child(n *metadata.Node, d *decodedNode) (*metadata.Node, error) {
	existing, ok := n.Child(d.name)
	if ok && !reusable(existing, d) {
		if err := existing.Detach(); err != nil {
			return nil, mismatch(err)
		}
		ok = false
	}

	var (
		c   *metadata.Node
		err error
	)
	space := metadata.Dataspace{Dims: d.dims, MaxDims: d.maxDims}
	switch d.kind {
	case metadata.KindGroup:
		if c = existing; !ok {
			c, err = n.CreateGroup(d.name)
		} else {
			c.Resolve()
		}
	case metadata.KindDataset:
		if c = existing; !ok {
			c, err = n.CreateDataset(d.name, d.dtype, space)
		} else {
			err = c.Define(d.dtype, space)
		}
		if err == nil {
			switch {
			case d.dataSize > 0:
				a.out.Bulk = append(a.out.Bulk, Bulk{ID: d.id, Node: c, Size: d.dataSize})
			case d.empty:
				c.BeginFill(0).Complete()
			default:
				c.Release()
			}
		}
	case metadata.KindSoftLink:
		if c = existing; !ok {
			c, err = n.CreateSoftLink(d.name, d.target)
		}
	case metadata.KindHardLink:
		if c = existing; !ok {
			c, err = n.CreatePlaceholder(d.name, metadata.KindHardLink)
		}
		if err == nil {
			a.links = append(a.links, pendingLink{node: c, ref: d.ref})
		}
	default:
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch, "unexpected %s inside %s", d.kind, n.Kind()).
			WithComponent("wire")
	}
	if err != nil {
		return nil, mismatch(err)
	}
	if d.isScale {
		if err := a.file.SetScale(c, d.scaleName); err != nil {
			return nil, mismatch(err)
		}
	}
	return c, nil
}

// reusable reports whether an existing node can absorb the incoming one.
func reusable(n *metadata.Node, d *decodedNode) bool {
	if n.Kind() != d.kind {
		return false
	}
	if d.kind == metadata.KindSoftLink {
		return n.Target() == d.target
	}
	return true
}
