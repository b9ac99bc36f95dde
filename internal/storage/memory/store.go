// Package memory is an in-process blob store, used for tests and for
// sessions that keep pass-through files only for their own lifetime.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

type object struct {
	data    []byte
	modTime time.Time
}

// Store keeps objects in a map.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

var _ types.Backend = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func normalize(key string) string {
	return strings.TrimPrefix(key, "/")
}

func notFound(op, key string) error {
	return pkgerrors.Newf(pkgerrors.ErrCodeStorageNotFound, "no object %q", key).
		WithComponent("memory").
		WithOperation(op)
}

// GetObject reads size bytes at offset; a non-positive size reads to the end.
func (s *Store) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[normalize(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("GetObject", key)
	}
	n := int64(len(obj.data))
	if offset < 0 || offset > n {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "offset %d outside object of %d bytes", offset, n).
			WithComponent("memory")
	}
	end := n
	if size > 0 && offset+size < n {
		end = offset + size
	}
	return append([]byte(nil), obj.data[offset:end]...), nil
}

// PutObject stores a copy of data.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[normalize(key)] = object{data: append([]byte(nil), data...), modTime: time.Now()}
	s.mu.Unlock()
	return nil
}

// DeleteObject removes key; deleting a missing key succeeds.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, normalize(key))
	s.mu.Unlock()
	return nil
}

// HeadObject returns the size and modification time of key.
func (s *Store) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[normalize(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("HeadObject", key)
	}
	return &types.ObjectInfo{Key: normalize(key), Size: int64(len(obj.data)), LastModified: obj.modTime}, nil
}

// ListObjects returns the keys starting with prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	prefix = normalize(prefix)
	s.mu.RLock()
	out := make([]types.ObjectInfo, 0, len(s.objects))
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, types.ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modTime})
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(ctx context.Context) error { return nil }

// Len returns the number of objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
