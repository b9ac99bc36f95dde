package passthru

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/diatomic/LowFive/internal/cache"
	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/wire"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// ManifestSuffix marks the object holding a file's structure.
const ManifestSuffix = ".manifest"

// DefaultUploadConcurrency bounds the parallel buffer uploads of Save.
const DefaultUploadConcurrency = 4

// Config tunes a Store.
type Config struct {
	UploadConcurrency int
	Logger            *utils.StructuredLogger

	// Cache, when enabled, holds recently used dataset buffers.
	Cache *cache.LRU
}

// Store persists files on a blob backend: one manifest per file holding
// the structure and attribute values, and one object per dataset buffer.
type Store struct {
	backend     types.Backend
	concurrency int
	cache       *cache.LRU
	logger      *utils.StructuredLogger
	loads       singleflight.Group
}

// New creates a store over backend.
func New(backend types.Backend, config Config) *Store {
	if config.UploadConcurrency <= 0 {
		config.UploadConcurrency = DefaultUploadConcurrency
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Store{
		backend:     backend,
		concurrency: config.UploadConcurrency,
		cache:       config.Cache,
		logger:      logger.WithComponent("passthru"),
	}
}

// Backend returns the underlying blob store.
func (s *Store) Backend() types.Backend { return s.backend }

// CacheStats returns the counters of the buffer cache.
func (s *Store) CacheStats() cache.Stats { return s.cache.Stats() }

func fileKey(filePath string) string {
	return strings.TrimPrefix(path.Clean("/"+filePath), "/")
}

// ManifestKey returns the key of a file's manifest.
func ManifestKey(filePath string) string {
	return fileKey(filePath) + ManifestSuffix
}

// DataKey returns the key of a dataset buffer.
func DataKey(filePath, objectPath string) string {
	return fileKey(filePath) + "/" + strings.TrimPrefix(utils.CleanObjectPath(objectPath), "/")
}

// Exists reports whether a manifest for filePath is stored.
func (s *Store) Exists(ctx context.Context, filePath string) (bool, error) {
	_, err := s.backend.HeadObject(ctx, ManifestKey(filePath))
	switch {
	case err == nil:
		return true, nil
	case pkgerrors.IsCode(err, pkgerrors.ErrCodeStorageNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Load reads the manifest of filePath into a new pass-through File.
// Dataset buffers stay in the store and are fetched by ReadData. Concurrent
// loads of the same file share one fetch.
func (s *Store) Load(ctx context.Context, filePath string) (*metadata.File, error) {
	v, err, shared := s.loads.Do(fileKey(filePath), func() (interface{}, error) {
		body, err := s.backend.GetObject(ctx, ManifestKey(filePath), 0, 0)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.ErrCodeStorageNotFound) {
				return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "file %q does not exist", filePath).
					WithComponent("passthru").
					WithCause(err)
			}
			return nil, err
		}
		stored, _, err := wire.PeekFile(body)
		if err != nil {
			return nil, err
		}
		f := metadata.NewFile(stored, types.ModePassthru)
		f.Lock()
		defer f.Unlock()
		if _, err := wire.ApplyFile(f, body); err != nil {
			return nil, err
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("manifest loaded", utils.Fields{"file": filePath, "shared": shared})
	return v.(*metadata.File), nil
}

// Fetch reads filePath completely into a new memory File: its structure and
// every stored dataset buffer, downloaded in parallel. Datasets whose buffer
// was never written stay empty.
func (s *Store) Fetch(ctx context.Context, filePath string) (*metadata.File, error) {
	body, err := s.backend.GetObject(ctx, ManifestKey(filePath), 0, 0)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.ErrCodeStorageNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "file %q does not exist", filePath).
				WithComponent("passthru").
				WithCause(err)
		}
		return nil, err
	}
	stored, _, err := wire.PeekFile(body)
	if err != nil {
		return nil, err
	}
	f := metadata.NewFile(stored, types.ModeMemory)
	f.Lock()
	defer f.Unlock()
	if _, err := wire.ApplyFile(f, body); err != nil {
		return nil, err
	}

	var datasets []*metadata.Node
	var walk func(n *metadata.Node)
	walk = func(n *metadata.Node) {
		for _, c := range n.Children() {
			switch c.Kind() {
			case metadata.KindDataset:
				if c.ByteSize() > 0 {
					datasets = append(datasets, c)
				}
			case metadata.KindGroup:
				walk(c)
			}
		}
	}
	walk(f.Root())

	buffers := make([][]byte, len(datasets))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.concurrency)
	for i, ds := range datasets {
		i, objectPath := i, ds.Path()
		p.Go(func(ctx context.Context) error {
			data, err := s.ReadData(ctx, stored, objectPath, 0, 0)
			if pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady) {
				return nil
			}
			buffers[i] = data
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeStorageRead, "cannot fetch dataset buffers", err).
			WithComponent("passthru").
			WithContext("file", stored)
	}
	var total int64
	for i, data := range buffers {
		if data == nil {
			continue
		}
		if err := datasets[i].Write(nil, data, metadata.OwnershipCore); err != nil {
			return nil, err
		}
		total += int64(len(data))
	}
	s.logger.Debug("file fetched", utils.Fields{"file": stored, "buffers": len(datasets), "bytes": total})
	return f, nil
}

// SaveStructure writes the manifest of f. The caller must hold the file lock.
func (s *Store) SaveStructure(ctx context.Context, f *metadata.File) error {
	body, _ := wire.EncodeFile(f)
	return s.SaveManifest(ctx, f.Path(), body)
}

// SaveManifest stores an already encoded manifest of filePath.
func (s *Store) SaveManifest(ctx context.Context, filePath string, body []byte) error {
	if err := s.backend.PutObject(ctx, ManifestKey(filePath), body); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStorageWrite, "cannot store manifest", err).
			WithComponent("passthru").
			WithContext("file", filePath)
	}
	return nil
}

// WriteData stores the full buffer of a dataset.
func (s *Store) WriteData(ctx context.Context, filePath, objectPath string, data []byte) error {
	key := DataKey(filePath, objectPath)
	s.cache.Delete(key)
	if err := s.backend.PutObject(ctx, key, data); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStorageWrite, "cannot store dataset buffer", err).
			WithComponent("passthru").
			WithContext("file", filePath).
			WithContext("path", objectPath)
	}
	s.cache.Put(key, data)
	return nil
}

// ReadData fetches size bytes at offset of a dataset buffer (size <= 0
// reads everything). A buffer that was never written is NOT_READY.
func (s *Store) ReadData(ctx context.Context, filePath, objectPath string, offset, size int64) ([]byte, error) {
	key := DataKey(filePath, objectPath)
	if data, ok := s.cache.Get(key, offset, size); ok {
		return data, nil
	}
	data, err := s.backend.GetObject(ctx, key, offset, size)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.ErrCodeStorageNotFound) {
			return nil, pkgerrors.NewError(pkgerrors.ErrCodeNotReady, "no data has been stored").
				WithComponent("passthru").
				WithContext("file", filePath).
				WithContext("path", objectPath)
		}
		return nil, err
	}
	if offset == 0 && size <= 0 {
		s.cache.Put(key, data)
	}
	return data, nil
}

// DeleteData removes a dataset buffer.
func (s *Store) DeleteData(ctx context.Context, filePath, objectPath string) error {
	key := DataKey(filePath, objectPath)
	s.cache.Delete(key)
	return s.backend.DeleteObject(ctx, key)
}

// Save writes f completely: its manifest and every resident dataset buffer,
// uploading the buffers in parallel. The caller must hold the file lock.
func (s *Store) Save(ctx context.Context, f *metadata.File) error {
	body, bulk := wire.EncodeFile(f)
	s.cache.DeletePrefix(fileKey(f.Path()) + "/")

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.concurrency)
	var total int64
	for _, b := range bulk {
		key := DataKey(f.Path(), b.Node.Path())
		data := b.Node.Data()
		total += int64(len(data))
		p.Go(func(ctx context.Context) error {
			return s.backend.PutObject(ctx, key, data)
		})
	}
	if err := p.Wait(); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStorageWrite, "cannot store dataset buffers", err).
			WithComponent("passthru").
			WithContext("file", f.Path())
	}
	// the manifest goes last so that a stored manifest implies stored buffers
	if err := s.backend.PutObject(ctx, ManifestKey(f.Path()), body); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStorageWrite, "cannot store manifest", err).
			WithComponent("passthru").
			WithContext("file", f.Path())
	}
	s.logger.Info("file saved", utils.Fields{
		"file":    f.Path(),
		"buffers": len(bulk),
		"bytes":   utils.FormatBytes(total),
	})
	return nil
}

// Remove deletes the manifest and every buffer of filePath.
func (s *Store) Remove(ctx context.Context, filePath string) error {
	s.cache.DeletePrefix(fileKey(filePath) + "/")
	objects, err := s.backend.ListObjects(ctx, fileKey(filePath)+"/", 0)
	if err != nil {
		return err
	}
	err = s.backend.DeleteObject(ctx, ManifestKey(filePath))
	for _, obj := range objects {
		err = multierr.Append(err, s.backend.DeleteObject(ctx, obj.Key))
	}
	return err
}

// Files lists the stored file paths.
func (s *Store) Files(ctx context.Context) ([]string, error) {
	objects, err := s.backend.ListObjects(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ManifestSuffix) {
			out = append(out, strings.TrimSuffix(obj.Key, ManifestSuffix))
		}
	}
	sort.Strings(out)
	return out, nil
}
