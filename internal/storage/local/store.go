// Package local stores pass-through files in a directory tree.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Store keeps each key as a file below root.
type Store struct {
	root string
}

var _ types.Backend = (*Store)(nil)

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeStorageUnavailable, "cannot create store directory", err).
			WithComponent("local").
			WithContext("root", root)
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if err := utils.ValidatePath(key, false); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.ErrCodeInvalidArgument, "invalid key", err).WithComponent("local")
	}
	p, err := utils.SecureJoin(s.root, filepath.FromSlash(key))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.ErrCodeInvalidArgument, "invalid key", err).WithComponent("local")
	}
	return p, nil
}

func (s *Store) fail(code pkgerrors.ErrorCode, op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		code = pkgerrors.ErrCodeStorageNotFound
	}
	return pkgerrors.Wrap(code, op+" failed", err).
		WithComponent("local").
		WithOperation(op).
		WithContext("key", key)
}

// GetObject reads size bytes at offset; a non-positive size reads to the end.
func (s *Store) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, s.fail(pkgerrors.ErrCodeStorageRead, "GetObject", key, err)
	}
	defer f.Close()

	if size <= 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, s.fail(pkgerrors.ErrCodeStorageRead, "GetObject", key, err)
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, s.fail(pkgerrors.ErrCodeStorageRead, "GetObject", key, err)
		}
		return data, nil
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, s.fail(pkgerrors.ErrCodeStorageRead, "GetObject", key, err)
	}
	return buf[:n], nil
}

// PutObject writes data to a temporary file and renames it into place.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return s.fail(pkgerrors.ErrCodeStorageWrite, "PutObject", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return s.fail(pkgerrors.ErrCodeStorageWrite, "PutObject", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return s.fail(pkgerrors.ErrCodeStorageWrite, "PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return s.fail(pkgerrors.ErrCodeStorageWrite, "PutObject", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return s.fail(pkgerrors.ErrCodeStorageWrite, "PutObject", key, err)
	}
	return nil
}

// DeleteObject removes key; deleting a missing key succeeds.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.fail(pkgerrors.ErrCodeStorageWrite, "DeleteObject", key, err)
	}
	return nil
}

// HeadObject returns the size and modification time of key.
func (s *Store) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, s.fail(pkgerrors.ErrCodeStorageRead, "HeadObject", key, err)
	}
	if st.IsDir() {
		return nil, s.fail(pkgerrors.ErrCodeStorageRead, "HeadObject", key, fs.ErrNotExist)
	}
	return &types.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

// ListObjects returns the keys starting with prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	var out []types.ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, types.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, s.fail(pkgerrors.ErrCodeStorageRead, "ListObjects", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck verifies that the root is a writable directory.
func (s *Store) HealthCheck(ctx context.Context) error {
	st, err := os.Stat(s.root)
	if err == nil && !st.IsDir() {
		err = errors.New("not a directory")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStorageUnavailable, "store directory unavailable", err).
			WithComponent("local").
			WithContext("root", s.root)
	}
	return nil
}
