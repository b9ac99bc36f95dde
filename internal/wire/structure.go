package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/diatomic/LowFive/internal/metadata"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

// Bulk names a dataset buffer that travels outside the structure message.
type Bulk struct {
	ID   uint64
	Node *metadata.Node
	Size int64
}

// node message fields
const (
	nKind      protowire.Number = 1
	nName      protowire.Number = 2
	nID        protowire.Number = 3
	nDatatype  protowire.Number = 4
	nDims      protowire.Number = 5
	nMaxDims   protowire.Number = 6
	nData      protowire.Number = 7
	nTarget    protowire.Number = 8
	nRef       protowire.Number = 9
	nScale     protowire.Number = 10
	nScaleName protowire.Number = 11
	nAttr      protowire.Number = 12
	nChild     protowire.Number = 13
	nDataSize  protowire.Number = 14
	nEmpty     protowire.Number = 15
)

// file message fields
const (
	fiPath  protowire.Number = 1
	fiMode  protowire.Number = 2
	fiRoot  protowire.Number = 3
	fiLink  protowire.Number = 4
	fiLabel protowire.Number = 5
)

// EncodeFile serializes the File's structure depth first in creation order:
// each node carries its kind, name, id, descriptors, inline attribute data,
// link targets, attributes and children. The scale and label tables follow
// the tree. Dataset buffers are returned as Bulk entries instead of being
// embedded. The caller must hold the file lock.
func EncodeFile(f *metadata.File) ([]byte, []Bulk) {
	var bulk []Bulk
	b := appendString(nil, fiPath, f.Path())
	b = appendVarint(b, fiMode, uint64(f.Mode())+1)
	b = protowire.AppendTag(b, fiRoot, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeNode(f.Root(), &bulk))

	for _, l := range f.ScaleLinks() {
		var m []byte
		m = appendVarint(m, 1, l.Dataset.ID())
		m = appendVarint(m, 2, uint64(l.Dim)+1)
		m = appendVarint(m, 3, l.Scale.ID())
		b = protowire.AppendTag(b, fiLink, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, l := range f.Labels() {
		var m []byte
		m = appendVarint(m, 1, l.Dataset.ID())
		m = appendVarint(m, 2, uint64(l.Dim)+1)
		m = appendString(m, 3, l.Label)
		b = protowire.AppendTag(b, fiLabel, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, bulk
}

func encodeNode(n *metadata.Node, bulk *[]Bulk) []byte {
	var b []byte
	b = appendVarint(b, nKind, uint64(n.Kind()))
	b = appendString(b, nName, n.Name())
	b = appendVarint(b, nID, n.ID())

	switch n.Kind() {
	case metadata.KindDataset, metadata.KindAttribute:
		dt := n.Datatype()
		var m []byte
		m = appendVarint(m, 1, uint64(dt.Class))
		m = appendVarint(m, 2, uint64(dt.Size))
		m = appendVarint(m, 3, protowire.EncodeBool(dt.Signed))
		b = protowire.AppendTag(b, nDatatype, protowire.BytesType)
		b = protowire.AppendBytes(b, m)

		space := n.Dataspace()
		b = appendPacked(b, nDims, space.Dims)
		b = appendPacked(b, nMaxDims, space.MaxDims)

		if n.HasData() && !n.Pending() {
			if n.Kind() == metadata.KindAttribute {
				b = protowire.AppendTag(b, nData, protowire.BytesType)
				b = protowire.AppendBytes(b, n.Data())
			} else {
				size := int64(len(n.Data()))
				if size == 0 {
					b = appendVarint(b, nEmpty, 1)
				} else {
					b = appendVarint(b, nDataSize, uint64(size))
					*bulk = append(*bulk, Bulk{ID: n.ID(), Node: n, Size: size})
				}
			}
		}
		if n.IsScale() {
			b = appendVarint(b, nScale, 1)
			b = appendString(b, nScaleName, n.ScaleName())
		}
	case metadata.KindSoftLink:
		b = appendString(b, nTarget, n.Target())
	case metadata.KindHardLink:
		if n.Ref() != nil {
			b = appendVarint(b, nRef, n.Ref().ID())
		}
	}

	for _, a := range n.Attributes() {
		b = protowire.AppendTag(b, nAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeNode(a, bulk))
	}
	for _, c := range n.Children() {
		b = protowire.AppendTag(b, nChild, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeNode(c, bulk))
	}
	return b
}

func appendPacked(b []byte, num protowire.Number, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

type decodedNode struct {
	kind      metadata.Kind
	name      string
	id        uint64
	dtype     metadata.Datatype
	dims      []uint64
	maxDims   []uint64
	data      []byte
	hasData   bool
	dataSize  int64
	empty     bool
	target    string
	ref       uint64
	isScale   bool
	scaleName string
	attrs     []*decodedNode
	children  []*decodedNode
}

type decodedRef struct {
	dataset uint64
	dim     int
	scale   uint64
	label   string
}

type decodedFile struct {
	path   string
	mode   types.Mode
	root   *decodedNode
	links  []decodedRef
	labels []decodedRef
}

// fieldFunc receives each field of a message; v holds varints, p bytes.
type fieldFunc func(num protowire.Number, typ protowire.Type, v uint64, p []byte) error

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v uint64
			p []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			p, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, p); err != nil {
			return err
		}
	}
	return nil
}

func consumePacked(p []byte) ([]uint64, error) {
	var out []uint64
	for len(p) > 0 {
		v, n := protowire.ConsumeVarint(p)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		out = append(out, v)
		p = p[n:]
	}
	return out, nil
}

func decodeNode(b []byte) (*decodedNode, error) {
	d := &decodedNode{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, p []byte) error {
		var err error
		switch num {
		case nKind:
			d.kind = metadata.Kind(v)
		case nName:
			d.name = string(p)
		case nID:
			d.id = v
		case nDatatype:
			err = walkFields(p, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
				switch num {
				case 1:
					d.dtype.Class = metadata.Class(v)
				case 2:
					d.dtype.Size = int(v)
				case 3:
					d.dtype.Signed = protowire.DecodeBool(v)
				}
				return nil
			})
		case nDims:
			d.dims, err = consumePacked(p)
		case nMaxDims:
			d.maxDims, err = consumePacked(p)
		case nData:
			d.data = append([]byte{}, p...)
			d.hasData = true
		case nDataSize:
			d.dataSize = int64(v)
		case nEmpty:
			d.empty = v != 0
		case nTarget:
			d.target = string(p)
		case nRef:
			d.ref = v
		case nScale:
			d.isScale = v != 0
		case nScaleName:
			d.scaleName = string(p)
		case nAttr, nChild:
			var c *decodedNode
			if c, err = decodeNode(p); err == nil {
				if num == nAttr {
					d.attrs = append(d.attrs, c)
				} else {
					d.children = append(d.children, c)
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if d.kind < metadata.KindFile || d.kind > metadata.KindHardLink {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch, "unknown node kind %d", d.kind).
			WithComponent("wire")
	}
	return d, nil
}

func decodeRef(p []byte) (decodedRef, error) {
	var r decodedRef
	err := walkFields(p, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			r.dataset = v
		case 2:
			r.dim = int(v) - 1
		case 3:
			r.scale = v
			r.label = string(b)
		}
		return nil
	})
	return r, err
}

func decodeFile(b []byte) (*decodedFile, error) {
	d := &decodedFile{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v uint64, p []byte) error {
		var err error
		switch num {
		case fiPath:
			d.path = string(p)
		case fiMode:
			d.mode = types.Mode(v - 1)
		case fiRoot:
			d.root, err = decodeNode(p)
		case fiLink, fiLabel:
			var r decodedRef
			if r, err = decodeRef(p); err == nil {
				if num == fiLink {
					d.links = append(d.links, r)
				} else {
					d.labels = append(d.labels, r)
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if d.root == nil || d.root.kind != metadata.KindFile {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeProtocolMismatch, "structure has no file root").
			WithComponent("wire")
	}
	return d, nil
}

// PeekFile returns the path and mode recorded in an encoded structure.
func PeekFile(b []byte) (string, types.Mode, error) {
	var (
		path string
		mode types.Mode
	)
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v uint64, p []byte) error {
		switch num {
		case fiPath:
			path = string(p)
		case fiMode:
			mode = types.Mode(v - 1)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	if path == "" {
		return "", 0, pkgerrors.NewError(pkgerrors.ErrCodeProtocolMismatch, "structure has no file path").
			WithComponent("wire")
	}
	return path, mode, nil
}
