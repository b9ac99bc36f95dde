package fuse

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/diatomic/LowFive/internal/metadata"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// HierarchyName is the listing file at the top of every file directory.
const HierarchyName = ".hierarchy"

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// Source is the view of resident files the filesystem exposes.
type Source interface {
	Files() []types.FileStatus
	Inspect(path string, fn func(*metadata.File) error) error
}

// FileSystem exposes resident files read-only: one directory per file,
// groups as directories, datasets and attributes as files holding their raw
// buffers, soft links as symlinks.
type FileSystem struct {
	source Source
	config *Config
	logger *utils.StructuredLogger

	// Internal state
	mu         sync.Mutex
	openFiles  map[uint64]*OpenFile
	nextHandle uint64

	stats *Stats
}

// Config represents inspection filesystem configuration
type Config struct {
	DefaultUID uint32 `yaml:"default_uid"`
	DefaultGID uint32 `yaml:"default_gid"`

	// AttrTimeout and EntryTimeout bound kernel caching; buffers change
	// between rounds, so keep them short.
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// OpenFile is a snapshot of a buffer taken at open time.
type OpenFile struct {
	file     string
	dir      string
	name     string
	data     []byte
	openedAt time.Time
}

// Stats counts filesystem activity.
type Stats struct {
	mu sync.RWMutex

	Lookups   int64 `json:"lookups"`
	Readdirs  int64 `json:"readdirs"`
	Opens     int64 `json:"opens"`
	Reads     int64 `json:"reads"`
	BytesRead int64 `json:"bytes_read"`
	Errors    int64 `json:"errors"`
}

// entry is one directory entry of the inspection tree.
type entry struct {
	name   string
	mode   uint32
	size   int64
	target string
}

// NewFileSystem creates an inspection filesystem over source.
func NewFileSystem(source Source, config *Config, logger *utils.StructuredLogger) *FileSystem {
	if config == nil {
		config = &Config{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &FileSystem{
		source:     source,
		config:     config,
		logger:     logger.WithComponent("fuse"),
		openFiles:  make(map[uint64]*OpenFile),
		nextHandle: 1,
		stats:      &Stats{},
	}
}

// Root returns the root inode of the filesystem.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &rootNode{fsys: fsys}
}

// GetStats returns a copy of the activity counters.
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()
	return &Stats{
		Lookups:   fsys.stats.Lookups,
		Readdirs:  fsys.stats.Readdirs,
		Opens:     fsys.stats.Opens,
		Reads:     fsys.stats.Reads,
		BytesRead: fsys.stats.BytesRead,
		Errors:    fsys.stats.Errors,
	}
}

func (fsys *FileSystem) count(fn func(s *Stats)) {
	fsys.stats.mu.Lock()
	fn(fsys.stats)
	fsys.stats.mu.Unlock()
}

// OpenHandles returns the number of open snapshots.
func (fsys *FileSystem) OpenHandles() int {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return len(fsys.openFiles)
}

// errno maps an error to the closest errno.
func (fsys *FileSystem) errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(syscall.Errno); ok {
		return e
	}
	fsys.count(func(s *Stats) { s.Errors++ })
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.ErrCodeNotFound:
		return syscall.ENOENT
	case pkgerrors.ErrCodeTypeMismatch:
		return syscall.ENOTDIR
	default:
		fsys.logger.Debug("inspection failed", utils.Fields{"error": err.Error()})
		return syscall.EIO
	}
}

// DirName is the directory name of a resident file.
func DirName(file string) string {
	return url.PathEscape(file)
}

func (fsys *FileSystem) rootEntries() []entry {
	files := fsys.source.Files()
	out := make([]entry, 0, len(files))
	for _, f := range files {
		out = append(out, entry{name: DirName(f.Name), mode: fuse.S_IFDIR})
	}
	return out
}

// resident maps a root directory name back to the file path.
func (fsys *FileSystem) resident(name string) (string, bool) {
	file, err := url.PathUnescape(name)
	if err != nil {
		return "", false
	}
	for _, f := range fsys.source.Files() {
		if f.Name == file {
			return file, true
		}
	}
	return "", false
}

// entries lists the directory dir of file.
func (fsys *FileSystem) entries(file, dir string) ([]entry, error) {
	var out []entry
	err := fsys.source.Inspect(file, func(f *metadata.File) error {
		n, err := f.Lookup(dir)
		if err != nil {
			return err
		}
		if !n.Kind().IsContainer() {
			return syscall.ENOTDIR
		}
		if n == f.Root() {
			var b bytes.Buffer
			if err := f.Print(&b); err != nil {
				return err
			}
			out = append(out, entry{name: HierarchyName, mode: fuse.S_IFREG, size: int64(b.Len())})
		}
		for _, a := range n.Attributes() {
			out = append(out, entry{name: "@" + a.Name(), mode: fuse.S_IFREG, size: int64(len(a.Data()))})
		}
		for _, c := range n.Children() {
			e := describe(c, dir)
			out = append(out, e)
			if e.mode == fuse.S_IFREG {
				// dataset attributes sit next to the dataset
				target := c
				if c.Kind() == metadata.KindHardLink {
					target = c.Ref()
				}
				for _, a := range target.Attributes() {
					out = append(out, entry{name: c.Name() + "@" + a.Name(), mode: fuse.S_IFREG, size: int64(len(a.Data()))})
				}
			}
		}
		return nil
	})
	return out, err
}

func describe(n *metadata.Node, dir string) entry {
	e := entry{name: n.Name()}
	switch n.Kind() {
	case metadata.KindGroup:
		e.mode = fuse.S_IFDIR
	case metadata.KindDataset:
		e.mode = fuse.S_IFREG
		e.size = int64(len(n.Data()))
	case metadata.KindSoftLink:
		e.mode = fuse.S_IFLNK
		e.target = linkTarget(dir, n.Target())
	case metadata.KindHardLink:
		ref := n.Ref()
		switch {
		case ref == nil:
			e.mode = fuse.S_IFLNK
		case ref.Kind().IsContainer():
			e.mode = fuse.S_IFDIR
		default:
			e.mode = fuse.S_IFREG
			e.size = int64(len(ref.Data()))
		}
	}
	return e
}

// linkTarget rewrites an absolute object path relative to dir so the link
// stays inside the file's directory.
func linkTarget(dir, target string) string {
	if !strings.HasPrefix(target, "/") {
		return target
	}
	depth := len(utils.SplitObjectPath(dir))
	return strings.Repeat("../", depth) + strings.TrimPrefix(target, "/")
}

func (fsys *FileSystem) find(file, dir, name string) (entry, error) {
	entries, err := fsys.entries(file, dir)
	if err != nil {
		return entry{}, err
	}
	for _, e := range entries {
		if e.name == name {
			return e, nil
		}
	}
	return entry{}, syscall.ENOENT
}

// snapshot copies the buffer behind a regular file of the tree.
func (fsys *FileSystem) snapshot(file, dir, name string) ([]byte, error) {
	var data []byte
	err := fsys.source.Inspect(file, func(f *metadata.File) error {
		n, err := f.Lookup(dir)
		if err != nil {
			return err
		}
		if name == HierarchyName && n == f.Root() {
			var b bytes.Buffer
			if err := f.Print(&b); err != nil {
				return err
			}
			data = b.Bytes()
			return nil
		}

		owner, attr := n, ""
		switch i := strings.LastIndex(name, "@"); {
		case i == 0:
			attr = name[1:]
		case i > 0:
			if owner, err = f.LookupFrom(n, name[:i]); err != nil {
				return err
			}
			attr = name[i+1:]
		default:
			if owner, err = f.LookupFrom(n, name); err != nil {
				return err
			}
			if owner.Kind() != metadata.KindDataset {
				return syscall.EISDIR
			}
			data = append([]byte(nil), owner.Data()...)
			return nil
		}

		a, ok := owner.Attribute(attr)
		if !ok {
			return syscall.ENOENT
		}
		data = append([]byte(nil), a.Data()...)
		return nil
	})
	return data, err
}

// open registers a snapshot handle.
func (fsys *FileSystem) open(file, dir, name string) (*FileHandle, error) {
	data, err := fsys.snapshot(file, dir, name)
	if err != nil {
		return nil, err
	}
	fsys.count(func(s *Stats) { s.Opens++ })

	fsys.mu.Lock()
	handle := fsys.nextHandle
	fsys.nextHandle++
	open := &OpenFile{file: file, dir: dir, name: name, data: data, openedAt: time.Now()}
	fsys.openFiles[handle] = open
	fsys.mu.Unlock()

	return &FileHandle{fsys: fsys, handle: handle, file: open}, nil
}

func (fsys *FileSystem) fillAttr(e entry, out *fuse.Attr) {
	switch e.mode {
	case fuse.S_IFDIR:
		out.Mode = fuse.S_IFDIR | 0555
	case fuse.S_IFLNK:
		out.Mode = fuse.S_IFLNK | 0777
		out.Size = uint64(len(e.target))
	default:
		out.Mode = fuse.S_IFREG | 0444
		out.Size = safeInt64ToUint64(e.size)
	}
	out.Uid = fsys.config.DefaultUID
	out.Gid = fsys.config.DefaultGID
}

// rootNode lists resident files.
type rootNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*rootNode)(nil)
)

// Readdir lists one directory per resident file.
func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	r.fsys.count(func(s *Stats) { s.Readdirs++ })
	return fs.NewListDirStream(dirEntries(r.fsys.rootEntries())), 0
}

// Lookup resolves a resident file directory.
func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	r.fsys.count(func(s *Stats) { s.Lookups++ })
	file, ok := r.fsys.resident(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	e := entry{name: name, mode: fuse.S_IFDIR}
	r.fsys.fillAttr(e, &out.Attr)
	child := &dirNode{fsys: r.fsys, file: file, path: "/"}
	return r.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func dirEntries(entries []entry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = fuse.DirEntry{Name: e.name, Mode: e.mode}
	}
	return out
}

// dirNode is the root or a group of a resident file.
type dirNode struct {
	fs.Inode
	fsys *FileSystem
	file string
	path string
}

var (
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
)

// Readdir lists attributes, children and, at the top, the hierarchy listing.
func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d.fsys.count(func(s *Stats) { s.Readdirs++ })
	entries, err := d.fsys.entries(d.file, d.path)
	if err != nil {
		return nil, d.fsys.errno(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), 0
}

// Lookup resolves one entry of the directory.
func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d.fsys.count(func(s *Stats) { s.Lookups++ })
	e, err := d.fsys.find(d.file, d.path, name)
	if err != nil {
		return nil, d.fsys.errno(err)
	}
	d.fsys.fillAttr(e, &out.Attr)

	var child fs.InodeEmbedder
	switch e.mode {
	case fuse.S_IFDIR:
		child = &dirNode{fsys: d.fsys, file: d.file, path: utils.JoinObjectPath(d.path, name)}
	case fuse.S_IFLNK:
		child = &linkNode{target: e.target}
	default:
		child = &dataNode{fsys: d.fsys, file: d.file, dir: d.path, name: name}
	}
	return d.NewInode(ctx, child, fs.StableAttr{Mode: e.mode}), 0
}

// dataNode is a dataset, an attribute or the hierarchy listing.
type dataNode struct {
	fs.Inode
	fsys *FileSystem
	file string
	dir  string
	name string
}

var (
	_ fs.NodeOpener    = (*dataNode)(nil)
	_ fs.NodeGetattrer = (*dataNode)(nil)
)

// Getattr reports the current buffer size.
func (n *dataNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*FileHandle); ok {
		n.fsys.fillAttr(entry{mode: fuse.S_IFREG, size: int64(len(h.file.data))}, &out.Attr)
		return 0
	}
	e, err := n.fsys.find(n.file, n.dir, n.name)
	if err != nil {
		return n.fsys.errno(err)
	}
	n.fsys.fillAttr(e, &out.Attr)
	return 0
}

// Open snapshots the buffer; the mount is read-only.
func (n *dataNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	fh, err := n.fsys.open(n.file, n.dir, n.name)
	if err != nil {
		return nil, 0, n.fsys.errno(err)
	}
	return fh, fuse.FOPEN_DIRECT_IO, 0
}

// linkNode is a soft link.
type linkNode struct {
	fs.Inode
	target string
}

var _ fs.NodeReadlinker = (*linkNode)(nil)

// Readlink returns the link target.
func (l *linkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(l.target), 0
}

// FileHandle represents an open snapshot
type FileHandle struct {
	fsys   *FileSystem
	handle uint64
	file   *OpenFile
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read reads from the snapshot taken at open.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := fh.file.data
	if off < 0 {
		return nil, syscall.EINVAL
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	chunk := data[off:end]
	fh.fsys.count(func(s *Stats) {
		s.Reads++
		s.BytesRead += int64(len(chunk))
	})
	return fuse.ReadResultData(chunk), 0
}

// Release drops the snapshot.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.fsys.mu.Lock()
	delete(fh.fsys.openFiles, fh.handle)
	fh.fsys.mu.Unlock()
	return 0
}
