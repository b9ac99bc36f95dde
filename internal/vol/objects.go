package vol

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/diatomic/LowFive/internal/metadata"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

var (
	containers = []metadata.Kind{metadata.KindFile, metadata.KindGroup}
	owners     = []metadata.Kind{metadata.KindFile, metadata.KindGroup, metadata.KindDataset}
)

// structural runs a structural mutation under the file lock and then stores
// or mirrors the structure as the mutated object is routed. fn returns the
// node it created, or nil when it changed the location itself.
func (c *Connector) structural(ctx context.Context, op string, o *Object, kinds []metadata.Kind,
	fn func(e *fileEntry, n *metadata.Node) (*metadata.Node, error)) (res *metadata.Node, err error) {
	start := time.Now()
	e, n, err := c.handle(o, op, kinds...)
	if err != nil {
		return nil, err
	}
	defer func() { c.record(op, e.mode, start, 0, err) }()

	e.file.Lock()
	defer e.file.Unlock()
	if err := live(e, n, op); err != nil {
		return nil, err
	}
	res, err = fn(e, n)
	if err != nil {
		return nil, annotate(op, err)
	}
	target := n
	if res != nil {
		target = res
	}
	if err := c.persist(ctx, e, c.decide(e, target.Path(), types.OpStructural)); err != nil {
		return nil, annotate(op, err)
	}
	return res, nil
}

// query runs a read-only operation under the file lock.
func (c *Connector) query(op string, o *Object, kinds []metadata.Kind, fn func(e *fileEntry, n *metadata.Node) error) error {
	e, n, err := c.handle(o, op, kinds...)
	if err != nil {
		return err
	}
	e.file.Lock()
	defer e.file.Unlock()
	if err := live(e, n, op); err != nil {
		return err
	}
	return annotate(op, fn(e, n))
}

// parentOf resolves the container that will hold name, which may be a
// relative or absolute path.
func parentOf(f *metadata.File, loc *metadata.Node, name string) (*metadata.Node, string, error) {
	dir, base := path.Split(strings.TrimRight(name, "/"))
	if dir == "" {
		return loc, base, nil
	}
	parent, err := f.LookupFrom(loc, dir)
	if err != nil {
		return nil, "", err
	}
	return parent, base, nil
}

// lookup resolves p from base. In a consumer file a missing object is
// created as a placeholder of the requested kind, so that it can be opened
// before the round that defines it.
func lookup(e *fileEntry, base *metadata.Node, p string, kind metadata.Kind) (*metadata.Node, error) {
	n, err := e.file.LookupFrom(base, p)
	if err == nil {
		return n, nil
	}
	if !pkgerrors.IsCode(err, pkgerrors.ErrCodeNotFound) || e.mode != types.ModeRemote || !e.consumer {
		return nil, err
	}

	full := p
	if !strings.HasPrefix(p, "/") {
		full = utils.JoinObjectPath(base.Path(), p)
	}
	cur, rest := e.file.Search(full)
	for i, seg := range rest {
		k := metadata.KindGroup
		if i == len(rest)-1 {
			k = kind
		}
		if cur, err = cur.CreatePlaceholder(seg, k); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func expectKind(n *metadata.Node, op string, kinds ...metadata.Kind) error {
	for _, k := range kinds {
		if n.Kind() == k {
			return nil
		}
	}
	return pkgerrors.Newf(pkgerrors.ErrCodeTypeMismatch, "%s is a %s", n.Path(), n.Kind()).
		WithComponent("vol").
		WithOperation(op)
}

// GroupCreate creates a group below loc.
func (c *Connector) GroupCreate(ctx context.Context, loc *Object, name string) (*Object, error) {
	n, err := c.structural(ctx, "GroupCreate", loc, containers, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		parent, base, err := parentOf(e.file, n, name)
		if err != nil {
			return nil, err
		}
		return parent.CreateGroup(base)
	})
	if err != nil {
		return nil, err
	}
	return &Object{entry: loc.entry, node: n}, nil
}

// GroupOpen opens the group at path relative to loc.
func (c *Connector) GroupOpen(ctx context.Context, loc *Object, p string) (*Object, error) {
	const op = "GroupOpen"
	var found *metadata.Node
	err := c.query(op, loc, containers, func(e *fileEntry, n *metadata.Node) error {
		g, err := lookup(e, n, p, metadata.KindGroup)
		if err != nil {
			return err
		}
		if err := expectKind(g, op, metadata.KindGroup, metadata.KindFile); err != nil {
			return err
		}
		found = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Object{entry: loc.entry, node: found}, nil
}

// GroupClose closes a group handle.
func (c *Connector) GroupClose(ctx context.Context, group *Object) error {
	return c.closeHandle("GroupClose", group, metadata.KindGroup, metadata.KindFile)
}

func (c *Connector) closeHandle(op string, o *Object, kinds ...metadata.Kind) error {
	if _, _, err := c.handle(o, op, kinds...); err != nil {
		return err
	}
	if !o.closed.CompareAndSwap(false, true) {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidHandle, "handle is closed").
			WithComponent("vol").
			WithOperation(op)
	}
	return nil
}

// LinkCreateSoft creates a symbolic link resolved at lookup time.
func (c *Connector) LinkCreateSoft(ctx context.Context, loc *Object, name, target string) error {
	_, err := c.structural(ctx, "LinkCreateSoft", loc, containers, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		parent, base, err := parentOf(e.file, n, name)
		if err != nil {
			return nil, err
		}
		return parent.CreateSoftLink(base, target)
	})
	return err
}

// LinkCreateHard gives target a second name in the same file.
func (c *Connector) LinkCreateHard(ctx context.Context, loc *Object, name string, target *Object) error {
	const op = "LinkCreateHard"
	if _, _, err := c.handle(target, op); err != nil {
		return err
	}
	if target.entry != loc.entry {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "hard link target must be in the same file").
			WithComponent("vol").
			WithOperation(op)
	}
	_, err := c.structural(ctx, op, loc, containers, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		if err := live(e, target.node, op); err != nil {
			return nil, err
		}
		parent, base, err := parentOf(e.file, n, name)
		if err != nil {
			return nil, err
		}
		return parent.CreateHardLink(base, target.node)
	})
	return err
}

// LinkExists reports whether the last segment of p names a link. Missing
// intermediate groups fail with NOT_FOUND.
func (c *Connector) LinkExists(ctx context.Context, loc *Object, p string) (bool, error) {
	var exists bool
	err := c.query("LinkExists", loc, containers, func(e *fileEntry, n *metadata.Node) error {
		parent, base, err := parentOf(e.file, n, p)
		if err != nil {
			return err
		}
		if base == "" {
			exists = true
			return nil
		}
		if !parent.Kind().IsContainer() {
			return pkgerrors.Newf(pkgerrors.ErrCodeTypeMismatch, "%s is a %s", parent.Path(), parent.Kind())
		}
		_, exists = parent.Child(base)
		return nil
	})
	return exists, err
}

// LinkNames lists the links of a group in creation order.
func (c *Connector) LinkNames(ctx context.Context, loc *Object) ([]string, error) {
	var names []string
	err := c.query("LinkNames", loc, containers, func(e *fileEntry, n *metadata.Node) error {
		for _, child := range n.Children() {
			names = append(names, child.Name())
		}
		return nil
	})
	return names, err
}

// ScaleSet marks a dataset as a dimension scale.
func (c *Connector) ScaleSet(ctx context.Context, ds *Object, name string) error {
	_, err := c.structural(ctx, "ScaleSet", ds, datasets, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		return nil, e.file.SetScale(n, name)
	})
	return err
}

// ScaleAttach attaches scale to dimension dim of ds.
func (c *Connector) ScaleAttach(ctx context.Context, ds *Object, dim int, scale *Object) error {
	return c.scaleLink(ctx, "ScaleAttach", ds, scale, func(f *metadata.File, n, s *metadata.Node) error {
		return f.AttachScale(n, dim, s)
	})
}

// ScaleDetach removes scale from dimension dim of ds.
func (c *Connector) ScaleDetach(ctx context.Context, ds *Object, dim int, scale *Object) error {
	return c.scaleLink(ctx, "ScaleDetach", ds, scale, func(f *metadata.File, n, s *metadata.Node) error {
		return f.DetachScale(n, dim, s)
	})
}

func (c *Connector) scaleLink(ctx context.Context, op string, ds, scale *Object, fn func(f *metadata.File, n, s *metadata.Node) error) error {
	if _, _, err := c.handle(scale, op, metadata.KindDataset); err != nil {
		return err
	}
	if scale.entry != ds.entry {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "scale must be in the same file").
			WithComponent("vol").
			WithOperation(op)
	}
	_, err := c.structural(ctx, op, ds, datasets, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		if err := live(e, scale.node, op); err != nil {
			return nil, err
		}
		return nil, fn(e.file, n, scale.node)
	})
	return err
}

// ScaleLabel labels dimension dim of ds.
func (c *Connector) ScaleLabel(ctx context.Context, ds *Object, dim int, label string) error {
	_, err := c.structural(ctx, "ScaleLabel", ds, datasets, func(e *fileEntry, n *metadata.Node) (*metadata.Node, error) {
		return nil, e.file.SetLabel(n, dim, label)
	})
	return err
}

// ScaleGetLabel returns the label of dimension dim, "" when unlabeled.
func (c *Connector) ScaleGetLabel(ctx context.Context, ds *Object, dim int) (string, error) {
	var label string
	err := c.query("ScaleGetLabel", ds, datasets, func(e *fileEntry, n *metadata.Node) error {
		if dim < 0 || dim >= n.Dataspace().Rank() {
			return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "dimension %d out of range for rank %d", dim, n.Dataspace().Rank())
		}
		label, _ = e.file.Label(n, dim)
		return nil
	})
	return label, err
}

// ScaleList returns the paths of the scales attached to dimension dim.
func (c *Connector) ScaleList(ctx context.Context, ds *Object, dim int) ([]string, error) {
	var paths []string
	err := c.query("ScaleList", ds, datasets, func(e *fileEntry, n *metadata.Node) error {
		if dim < 0 || dim >= n.Dataspace().Rank() {
			return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "dimension %d out of range for rank %d", dim, n.Dataspace().Rank())
		}
		for _, s := range e.file.Scales(n, dim) {
			paths = append(paths, s.Path())
		}
		return nil
	})
	return paths, err
}
