package metadata

import (
	"fmt"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// Class is the element type class of a dataset or attribute.
type Class uint8

const (
	ClassInteger Class = iota + 1
	ClassFloat
	ClassString
	ClassOpaque
)

func (c Class) String() string {
	switch c {
	case ClassInteger:
		return "integer"
	case ClassFloat:
		return "float"
	case ClassString:
		return "string"
	case ClassOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Datatype describes one element. No conversion is performed between
// datatypes: reads and writes must use the stored type exactly.
type Datatype struct {
	Class  Class
	Size   int
	Signed bool
}

// Predefined datatypes.
var (
	Int8    = Datatype{Class: ClassInteger, Size: 1, Signed: true}
	Int16   = Datatype{Class: ClassInteger, Size: 2, Signed: true}
	Int32   = Datatype{Class: ClassInteger, Size: 4, Signed: true}
	Int64   = Datatype{Class: ClassInteger, Size: 8, Signed: true}
	Uint8   = Datatype{Class: ClassInteger, Size: 1}
	Uint16  = Datatype{Class: ClassInteger, Size: 2}
	Uint32  = Datatype{Class: ClassInteger, Size: 4}
	Uint64  = Datatype{Class: ClassInteger, Size: 8}
	Float32 = Datatype{Class: ClassFloat, Size: 4, Signed: true}
	Float64 = Datatype{Class: ClassFloat, Size: 8, Signed: true}
)

// FixedString returns a fixed-length string datatype of n bytes.
func FixedString(n int) Datatype {
	return Datatype{Class: ClassString, Size: n}
}

// Opaque returns an opaque datatype of n bytes.
func Opaque(n int) Datatype {
	return Datatype{Class: ClassOpaque, Size: n}
}

// Validate checks that the datatype is usable for storage.
func (t Datatype) Validate() error {
	switch t.Class {
	case ClassInteger:
		switch t.Size {
		case 1, 2, 4, 8:
		default:
			return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "integer size %d not supported", t.Size)
		}
	case ClassFloat:
		if t.Size != 4 && t.Size != 8 {
			return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "float size %d not supported", t.Size)
		}
	case ClassString, ClassOpaque:
		if t.Size <= 0 {
			return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "%s size must be positive", t.Class)
		}
	default:
		return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "unknown datatype class %d", t.Class)
	}
	return nil
}

// Equal reports whether two datatypes describe the same element layout.
func (t Datatype) Equal(o Datatype) bool {
	return t.Class == o.Class && t.Size == o.Size && t.Signed == o.Signed
}

func (t Datatype) String() string {
	switch t.Class {
	case ClassInteger:
		if t.Signed {
			return fmt.Sprintf("int%d", t.Size*8)
		}
		return fmt.Sprintf("uint%d", t.Size*8)
	case ClassFloat:
		return fmt.Sprintf("float%d", t.Size*8)
	case ClassString:
		return fmt.Sprintf("string[%d]", t.Size)
	case ClassOpaque:
		return fmt.Sprintf("opaque[%d]", t.Size)
	default:
		return t.Class.String()
	}
}
