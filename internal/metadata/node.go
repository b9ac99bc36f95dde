package metadata

import (
	"fmt"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Kind is the type tag of a Node.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindGroup
	KindDataset
	KindAttribute
	KindSoftLink
	KindHardLink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindGroup:
		return "group"
	case KindDataset:
		return "dataset"
	case KindAttribute:
		return "attribute"
	case KindSoftLink:
		return "softlink"
	case KindHardLink:
		return "hardlink"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsContainer reports whether nodes of this kind hold children.
func (k Kind) IsContainer() bool {
	return k == KindFile || k == KindGroup
}

// HasAttributes reports whether nodes of this kind carry attributes.
func (k Kind) HasAttributes() bool {
	return k == KindFile || k == KindGroup || k == KindDataset
}

// HasData reports whether nodes of this kind carry a typed buffer.
func (k Kind) HasData() bool {
	return k == KindDataset || k == KindAttribute
}

// Ownership says who owns a dataset buffer.
type Ownership uint8

const (
	// OwnershipCore buffers are private copies.
	OwnershipCore Ownership = iota
	// OwnershipUser buffers alias the caller's slice.
	OwnershipUser
)

func (o Ownership) String() string {
	if o == OwnershipUser {
		return "user"
	}
	return "core"
}

// Node is one object in a File's hierarchy. The parent owns its children and
// attributes; the parent pointer is a back reference.
type Node struct {
	id     uint64
	name   string
	kind   Kind
	file   *File
	parent *Node

	children   []*Node
	childIndex map[string]*Node
	attrs      []*Node
	attrIndex  map[string]*Node

	dtype Datatype
	space Dataspace
	data  []byte
	owner Ownership
	fill  *Fill
	// failed holds the error of the last aborted fill until the next write.
	failed error

	target string
	ref    *Node

	isScale   bool
	scaleName string

	placeholder bool
}

// ID returns the node's identifier, unique within its File.
func (n *Node) ID() uint64 { return n.id }

// Name returns the link name of the node ("" for the root).
func (n *Node) Name() string { return n.name }

// Kind returns the node's type tag.
func (n *Node) Kind() Kind { return n.kind }

// File returns the owning File.
func (n *Node) File() *File { return n.file }

// Parent returns the parent node, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Datatype returns the element type of a dataset or attribute.
func (n *Node) Datatype() Datatype { return n.dtype }

// Dataspace returns the shape of a dataset or attribute.
func (n *Node) Dataspace() Dataspace { return n.space.Clone() }

// Ownership returns who owns the buffer.
func (n *Node) Ownership() Ownership { return n.owner }

// Target returns a soft link's target path.
func (n *Node) Target() string { return n.target }

// Ref returns a hard link's target node.
func (n *Node) Ref() *Node { return n.ref }

// IsScale reports whether the dataset has been marked as a dimension scale.
func (n *Node) IsScale() bool { return n.isScale }

// ScaleName returns the scale's name set by SetScale.
func (n *Node) ScaleName() string { return n.scaleName }

// Placeholder reports whether the node was opened before its definition
// arrived from a remote producer.
func (n *Node) Placeholder() bool { return n.placeholder }

// Children returns the children in creation order.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Attributes returns the attributes in creation order.
func (n *Node) Attributes() []*Node {
	return append([]*Node(nil), n.attrs...)
}

// Child returns the direct child with the given name.
func (n *Node) Child(name string) (*Node, bool) {
	c, ok := n.childIndex[name]
	return c, ok
}

// Attribute returns the attribute with the given name.
func (n *Node) Attribute(name string) (*Node, bool) {
	a, ok := n.attrIndex[name]
	return a, ok
}

// Path returns the absolute object path of the node within its File.
// Attributes are addressed as "<owner path>@<name>".
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	if n.kind == KindAttribute {
		return n.parent.Path() + "@" + n.name
	}
	return utils.JoinObjectPath(n.parent.Path(), n.name)
}

func (n *Node) String() string {
	return fmt.Sprintf("%s %s", n.kind, n.Path())
}

// CreateGroup adds a group child.
func (n *Node) CreateGroup(name string) (*Node, error) {
	return n.createChild(name, KindGroup, func(*Node) error { return nil })
}

// CreateDataset adds a dataset child with the given element type and shape.
func (n *Node) CreateDataset(name string, dt Datatype, space Dataspace) (*Node, error) {
	if err := dt.Validate(); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	return n.createChild(name, KindDataset, func(c *Node) error {
		c.dtype = dt
		c.space = space.Clone()
		return nil
	})
}

// CreateSoftLink adds a symbolic link to target, resolved at lookup time.
func (n *Node) CreateSoftLink(name, target string) (*Node, error) {
	if target == "" {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "soft link target cannot be empty")
	}
	return n.createChild(name, KindSoftLink, func(c *Node) error {
		c.target = target
		return nil
	})
}

// CreateHardLink adds a second name for target, which must live in the same File.
func (n *Node) CreateHardLink(name string, target *Node) (*Node, error) {
	if target == nil || target.file != n.file {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "hard link target must be in the same file")
	}
	for target.kind == KindHardLink {
		target = target.ref
	}
	return n.createChild(name, KindHardLink, func(c *Node) error {
		c.ref = target
		return nil
	})
}

// CreatePlaceholder adds a child whose definition is not known yet. It is
// used when a consumer opens an object before the transport round that
// defines it; reconstruction fills it in place.
func (n *Node) CreatePlaceholder(name string, kind Kind) (*Node, error) {
	return n.createChild(name, kind, func(c *Node) error {
		c.placeholder = true
		return nil
	})
}

// CreateAttribute attaches a new attribute to a file, group or dataset.
func (n *Node) CreateAttribute(name string, dt Datatype, space Dataspace) (*Node, error) {
	if !n.kind.HasAttributes() {
		return nil, n.errorf(pkgerrors.ErrCodeTypeMismatch, "%s cannot carry attributes", n.kind)
	}
	if err := n.file.checkMutable(); err != nil {
		return nil, err
	}
	if err := utils.ValidateObjectName(name); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidArgument, "invalid attribute name", err)
	}
	if err := dt.Validate(); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if _, exists := n.attrIndex[name]; exists {
		return nil, n.errorf(pkgerrors.ErrCodeAlreadyExists, "attribute %q already exists", name)
	}

	a := n.file.newNode(name, KindAttribute)
	a.parent = n
	a.dtype = dt
	a.space = space.Clone()
	if n.attrIndex == nil {
		n.attrIndex = make(map[string]*Node)
	}
	n.attrs = append(n.attrs, a)
	n.attrIndex[name] = a
	n.file.emit(EventCreated, a, 0)
	return a, nil
}

// Define sets the descriptors of a placeholder dataset or attribute and
// clears its placeholder flag.
func (n *Node) Define(dt Datatype, space Dataspace) error {
	if !n.kind.HasData() {
		return n.errorf(pkgerrors.ErrCodeTypeMismatch, "%s has no datatype", n.kind)
	}
	if err := dt.Validate(); err != nil {
		return err
	}
	if err := space.Validate(); err != nil {
		return err
	}
	if !n.placeholder && (!n.dtype.Equal(dt) || !n.space.Equal(space)) {
		n.data = nil
		n.fill = nil
	}
	n.dtype = dt
	n.space = space.Clone()
	n.placeholder = false
	return nil
}

// Bind points a hard link created as a placeholder at target. Decoders use
// it when a link precedes its target in creation order.
func (n *Node) Bind(target *Node) error {
	if n.kind != KindHardLink {
		return n.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot bind a %s", n.kind)
	}
	if target == nil || target.file != n.file {
		return n.errorf(pkgerrors.ErrCodeInvalidArgument, "hard link target must be in the same file")
	}
	for target.kind == KindHardLink && target.ref != nil {
		target = target.ref
	}
	n.ref = target
	n.placeholder = false
	return nil
}

// Resolve marks a placeholder group as defined.
func (n *Node) Resolve() {
	n.placeholder = false
}

// Detach removes the node (with its subtree) from its parent, together with
// any dimension-scale entries that reference the removed nodes.
func (n *Node) Detach() error {
	if n.parent == nil {
		return n.errorf(pkgerrors.ErrCodeInvalidArgument, "cannot detach the root")
	}
	if err := n.file.checkMutable(); err != nil {
		return err
	}

	p := n.parent
	if n.kind == KindAttribute {
		p.attrs = removeNode(p.attrs, n)
		delete(p.attrIndex, n.name)
	} else {
		p.children = removeNode(p.children, n)
		delete(p.childIndex, n.name)
	}

	removed := make(map[*Node]bool)
	_ = n.walk(func(x *Node) error {
		removed[x] = true
		return nil
	})
	n.file.dropScaleEntries(removed)
	n.file.emit(EventDetached, n, n.residentBytes())
	n.parent = nil
	return nil
}

func (n *Node) createChild(name string, kind Kind, init func(*Node) error) (*Node, error) {
	if !n.kind.IsContainer() {
		return nil, n.errorf(pkgerrors.ErrCodeTypeMismatch, "%s cannot have children", n.kind)
	}
	if err := n.file.checkMutable(); err != nil {
		return nil, err
	}
	if err := utils.ValidateObjectName(name); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidArgument, "invalid object name", err)
	}
	if _, exists := n.childIndex[name]; exists {
		return nil, n.errorf(pkgerrors.ErrCodeAlreadyExists, "%q already exists", name)
	}

	c := n.file.newNode(name, kind)
	c.parent = n
	if err := init(c); err != nil {
		return nil, err
	}
	if n.childIndex == nil {
		n.childIndex = make(map[string]*Node)
	}
	n.children = append(n.children, c)
	n.childIndex[name] = c
	n.file.emit(EventCreated, c, 0)
	return c, nil
}

func (n *Node) errorf(code pkgerrors.ErrorCode, format string, args ...interface{}) *pkgerrors.LowFiveError {
	return pkgerrors.Newf(code, format, args...).
		WithComponent("metadata").
		WithContext("file", n.file.path).
		WithContext("path", n.Path())
}

// residentBytes sums the buffers held by the subtree.
func (n *Node) residentBytes() int64 {
	var total int64
	_ = n.walk(func(x *Node) error {
		total += int64(len(x.data))
		return nil
	})
	return total
}

func removeNode(list []*Node, n *Node) []*Node {
	for i, x := range list {
		if x == n {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
