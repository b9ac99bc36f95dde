package vol

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/pkg/types"
)

// fileEntry is a resident file. handles is guarded by the connector mutex;
// consumer is fixed when the entry is created.
type fileEntry struct {
	path string
	file *metadata.File
	mode types.Mode

	handles int
	// consumer entries were opened before, or filled by, a received round.
	consumer bool
	dropped  atomic.Bool
}

// Less orders entries by path.
func (e *fileEntry) Less(than btree.Item) bool {
	return e.path < than.(*fileEntry).path
}

// fileRegistry keeps resident files ordered by path. It is not synchronized.
type fileRegistry struct {
	tree *btree.BTree
}

func newFileRegistry() *fileRegistry {
	return &fileRegistry{tree: btree.New(16)}
}

func (r *fileRegistry) get(path string) (*fileEntry, bool) {
	item := r.tree.Get(&fileEntry{path: path})
	if item == nil {
		return nil, false
	}
	return item.(*fileEntry), true
}

// put inserts e and returns the entry it replaced, if any.
func (r *fileRegistry) put(e *fileEntry) *fileEntry {
	old := r.tree.ReplaceOrInsert(e)
	if old == nil {
		return nil
	}
	return old.(*fileEntry)
}

// remove deletes e if it is still the registered entry for its path.
func (r *fileRegistry) remove(e *fileEntry) bool {
	if cur, ok := r.get(e.path); !ok || cur != e {
		return false
	}
	r.tree.Delete(e)
	return true
}

func (r *fileRegistry) all() []*fileEntry {
	out := make([]*fileEntry, 0, r.tree.Len())
	r.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(*fileEntry))
		return true
	})
	return out
}

func (r *fileRegistry) len() int {
	return r.tree.Len()
}
