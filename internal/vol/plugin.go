package vol

import (
	"context"
	"sync/atomic"

	"github.com/diatomic/LowFive/internal/metadata"
)

// Plugin is the capability set a host data library dispatches into. Every
// object argument is a handle returned by an earlier call on the same
// Plugin.
type Plugin interface {
	FileCreate(ctx context.Context, path string) (*Object, error)
	FileOpen(ctx context.Context, path string) (*Object, error)
	FileClose(ctx context.Context, file *Object) error

	GroupCreate(ctx context.Context, loc *Object, name string) (*Object, error)
	GroupOpen(ctx context.Context, loc *Object, path string) (*Object, error)
	GroupClose(ctx context.Context, group *Object) error

	DatasetCreate(ctx context.Context, loc *Object, name string, dt metadata.Datatype, space metadata.Dataspace) (*Object, error)
	DatasetOpen(ctx context.Context, loc *Object, path string) (*Object, error)
	DatasetRead(ctx context.Context, ds *Object, dt metadata.Datatype, sel *metadata.Hyperslab) ([]byte, error)
	DatasetWrite(ctx context.Context, ds *Object, dt metadata.Datatype, sel *metadata.Hyperslab, data []byte) error
	DatasetSetExtent(ctx context.Context, ds *Object, dims []uint64) error
	DatasetInfo(ctx context.Context, ds *Object) (DatasetInfo, error)
	DatasetClose(ctx context.Context, ds *Object) error

	AttrCreate(ctx context.Context, loc *Object, name string, dt metadata.Datatype, space metadata.Dataspace) (*Object, error)
	AttrOpen(ctx context.Context, loc *Object, name string) (*Object, error)
	AttrRead(ctx context.Context, attr *Object, dt metadata.Datatype) ([]byte, error)
	AttrWrite(ctx context.Context, attr *Object, dt metadata.Datatype, data []byte) error
	AttrExists(ctx context.Context, loc *Object, name string) (bool, error)
	AttrNames(ctx context.Context, loc *Object) ([]string, error)
	AttrClose(ctx context.Context, attr *Object) error

	LinkCreateSoft(ctx context.Context, loc *Object, name, target string) error
	LinkCreateHard(ctx context.Context, loc *Object, name string, target *Object) error
	LinkExists(ctx context.Context, loc *Object, path string) (bool, error)
	LinkNames(ctx context.Context, loc *Object) ([]string, error)

	ScaleSet(ctx context.Context, ds *Object, name string) error
	ScaleAttach(ctx context.Context, ds *Object, dim int, scale *Object) error
	ScaleDetach(ctx context.Context, ds *Object, dim int, scale *Object) error
	ScaleLabel(ctx context.Context, ds *Object, dim int, label string) error
	ScaleGetLabel(ctx context.Context, ds *Object, dim int) (string, error)
	ScaleList(ctx context.Context, ds *Object, dim int) ([]string, error)
}

var _ Plugin = (*Connector)(nil)

// Object is an open handle on a file, group, dataset or attribute.
type Object struct {
	entry  *fileEntry
	node   *metadata.Node
	closed atomic.Bool
}

// Kind returns the kind of the object the handle refers to.
func (o *Object) Kind() metadata.Kind { return o.node.Kind() }

// File returns the path of the owning file.
func (o *Object) File() string { return o.entry.path }

// Path returns the object path within the file.
func (o *Object) Path() string { return o.node.Path() }

// Closed reports whether the handle has been closed.
func (o *Object) Closed() bool { return o.closed.Load() }

// DatasetInfo describes a dataset.
type DatasetInfo struct {
	Datatype  metadata.Datatype
	Dataspace metadata.Dataspace
	Resident  bool
	Pending   bool
	Scale     bool
	ScaleName string
}
