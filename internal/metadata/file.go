package metadata

import (
	"errors"
	"sync"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// maxLinkDepth bounds soft-link chains during lookup.
const maxLinkDepth = 16

// SkipChildren can be returned by a Walk callback to skip a node's subtree.
var SkipChildren = errors.New("skip children")

// File is the root of an object hierarchy together with file-wide tables.
// A File is not safe for concurrent use; callers serialize access with
// Lock/Unlock.
type File struct {
	mu sync.Mutex

	path   string
	mode   types.Mode
	root   *Node
	nextID uint64

	scales     []ScaleLink
	labels     []DimLabel
	labelIndex map[DimRef]int

	sealed      bool
	placeholder bool
	observers   []Observer
}

// NewFile creates an empty File served by mode.
func NewFile(path string, mode types.Mode) *File {
	f := &File{
		path:       path,
		mode:       mode,
		labelIndex: make(map[DimRef]int),
	}
	f.root = f.newNode("", KindFile)
	return f
}

// NewPlaceholderFile creates a File opened before any producer defined it.
func NewPlaceholderFile(path string, mode types.Mode) *File {
	f := NewFile(path, mode)
	f.placeholder = true
	return f
}

// Lock acquires the file's coarse lock.
func (f *File) Lock() { f.mu.Lock() }

// Unlock releases the file's coarse lock.
func (f *File) Unlock() { f.mu.Unlock() }

// Path returns the file path the File was created or opened with.
func (f *File) Path() string { return f.path }

// Mode returns the routing mode fixed when the File was opened.
func (f *File) Mode() types.Mode { return f.mode }

// Root returns the root node.
func (f *File) Root() *Node { return f.root }

// Placeholder reports whether the File has not been defined by a producer yet.
func (f *File) Placeholder() bool { return f.placeholder }

// ClearPlaceholder marks the File as defined.
func (f *File) ClearPlaceholder() { f.placeholder = false }

// Subscribe registers an observer for this file's events.
func (f *File) Subscribe(o Observer) {
	f.observers = append(f.observers, o)
}

// Seal forbids mutation until Unseal.
func (f *File) Seal() { f.sealed = true }

// Unseal re-enables mutation.
func (f *File) Unseal() { f.sealed = false }

// Sealed reports whether a transport round currently holds the file.
func (f *File) Sealed() bool { return f.sealed }

func (f *File) checkMutable() error {
	if f.sealed {
		return pkgerrors.Newf(pkgerrors.ErrCodeSealed, "file %q is sealed for a transport round", f.path).
			WithComponent("metadata")
	}
	return nil
}

func (f *File) newNode(name string, kind Kind) *Node {
	f.nextID++
	return &Node{id: f.nextID, name: name, kind: kind, file: f}
}

func (f *File) emit(kind EventKind, n *Node, bytes int64) {
	if len(f.observers) == 0 {
		return
	}
	ev := Event{Kind: kind, File: f.path, Path: n.Path(), NodeKind: n.kind, Bytes: bytes}
	for _, o := range f.observers {
		o.Observe(ev)
	}
}

// Lookup resolves a "/"-delimited path from the root, following soft and
// hard links. It fails with NOT_FOUND when a segment is absent and with
// TYPE_MISMATCH when a segment descends into a node that cannot have
// children.
func (f *File) Lookup(path string) (*Node, error) {
	return f.lookupFrom(f.root, path, 0)
}

// LookupFrom resolves path relative to base; absolute paths start at the root.
func (f *File) LookupFrom(base *Node, path string) (*Node, error) {
	return f.lookupFrom(base, path, 0)
}

func (f *File) lookupFrom(base *Node, path string, depth int) (*Node, error) {
	if depth > maxLinkDepth {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "too many levels of soft links resolving %q", path).
			WithComponent("metadata")
	}
	cur := base
	if len(path) > 0 && path[0] == '/' {
		cur = f.root
	}
	cur, err := f.follow(cur, depth)
	if err != nil {
		return nil, err
	}

	for _, seg := range utils.SplitObjectPath(path) {
		if !cur.kind.IsContainer() {
			return nil, cur.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot resolve %q inside a %s", seg, cur.kind)
		}
		next, ok := cur.childIndex[seg]
		if !ok {
			return nil, cur.errorf(pkgerrors.ErrCodeNotFound, "%q not found", seg).WithContext("lookup", path)
		}
		if next, err = f.follow(next, depth); err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func (f *File) follow(n *Node, depth int) (*Node, error) {
	switch n.kind {
	case KindHardLink:
		if n.ref == nil {
			return nil, n.errorf(pkgerrors.ErrCodeNotFound, "hard link is not bound")
		}
		return n.ref, nil
	case KindSoftLink:
		return f.lookupFrom(n.parent, n.target, depth+1)
	default:
		return n, nil
	}
}

// Search resolves as much of path as exists and returns the deepest node
// reached together with the unresolved remainder segments.
func (f *File) Search(path string) (*Node, []string) {
	cur := f.root
	segments := utils.SplitObjectPath(path)
	for i, seg := range segments {
		if !cur.kind.IsContainer() {
			return cur, segments[i:]
		}
		next, ok := cur.childIndex[seg]
		if !ok {
			return cur, segments[i:]
		}
		resolved, err := f.follow(next, 0)
		if err != nil {
			return cur, segments[i:]
		}
		cur = resolved
	}
	return cur, nil
}

// Walk visits the root's subtree depth first in creation order: each node,
// then its attributes, then its children.
func (f *File) Walk(fn func(*Node) error) error {
	return f.root.walk(fn)
}

// Walk visits n's subtree the same way File.Walk does.
func (n *Node) Walk(fn func(*Node) error) error {
	return n.walk(fn)
}

func (n *Node) walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		if err == SkipChildren {
			return nil
		}
		return err
	}
	for _, a := range n.attrs {
		if err := fn(a); err != nil && err != SkipChildren {
			return err
		}
	}
	for _, c := range n.children {
		if err := c.walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the node count (root included) and resident buffer bytes.
func (f *File) Stats() (nodes int, bytes int64) {
	_ = f.Walk(func(n *Node) error {
		n.settle()
		nodes++
		bytes += int64(len(n.data))
		return nil
	})
	return nodes, bytes
}

// ReleaseData drops every dataset buffer, keeping structure and attributes.
func (f *File) ReleaseData() int64 {
	var released int64
	_ = f.Walk(func(n *Node) error {
		if n.kind == KindDataset {
			released += n.Release()
		}
		return nil
	})
	return released
}
