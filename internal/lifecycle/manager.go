// Package lifecycle decides when in-memory buffers may be released.
package lifecycle

import (
	"sort"
	"sync"
	"time"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Config configures retention.
type Config struct {
	// DefaultKeep applies to files no other keep setting selects.
	DefaultKeep bool

	// Logger for retention decisions
	Logger *utils.StructuredLogger
}

// DefaultConfig frees buffers as soon as their last consumer is done.
func DefaultConfig() Config {
	return Config{DefaultKeep: false}
}

// FileStats is the bookkeeping kept per file from object-model events.
type FileStats struct {
	File          string
	Pins          int
	Created       int64
	Detached      int64
	Writes        int64
	BytesWritten  int64
	Releases      int64
	BytesReleased int64
	LastWrite     time.Time
	LastRelease   time.Time
}

type keepPattern struct {
	pattern routing.Pattern
	keep    bool
}

// Manager tracks keep flags and pins. It is purely advisory: it never
// releases anything itself and never fails.
type Manager struct {
	logger *utils.StructuredLogger

	mu          sync.RWMutex
	defaultKeep bool
	patterns    []keepPattern
	files       map[string]bool
	channels    map[string]bool
	stats       map[string]*FileStats
}

// NewManager creates a retention manager.
func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Manager{
		logger:      logger.WithComponent("lifecycle"),
		defaultKeep: config.DefaultKeep,
		files:       make(map[string]bool),
		channels:    make(map[string]bool),
		stats:       make(map[string]*FileStats),
	}
}

// SetDefault changes the keep flag used when nothing more specific applies.
func (m *Manager) SetDefault(keep bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultKeep = keep
}

// SetKeep sets the keep flag of one file, overriding patterns.
func (m *Manager) SetKeep(file string, keep bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[file] = keep
}

// SetKeepPattern sets the keep flag of every file matching pattern. The
// first registered matching pattern wins.
func (m *Manager) SetKeepPattern(pattern string, keep bool) error {
	p, err := routing.Compile(pattern)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, keepPattern{pattern: p, keep: keep})
	return nil
}

// SetChannelKeep keeps every file sent over channel after its rounds.
func (m *Manager) SetChannelKeep(channel string, keep bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel] = keep
}

// Keep reports whether the file's buffers outlive their consumers.
func (m *Manager) Keep(file string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keepLocked(file)
}

func (m *Manager) keepLocked(file string) bool {
	if keep, ok := m.files[file]; ok {
		return keep
	}
	for _, p := range m.patterns {
		if p.pattern.MatchFile(file) {
			return p.keep
		}
	}
	return m.defaultKeep
}

// KeepChannel reports the keep flag of a channel.
func (m *Manager) KeepChannel(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[channel]
}

func (m *Manager) statsLocked(file string) *FileStats {
	s, ok := m.stats[file]
	if !ok {
		s = &FileStats{File: file}
		m.stats[file] = s
	}
	return s
}

// Pin registers a consumer of the file's buffers (an open handle, a
// transport round or a mirror copy) and returns the pin count.
func (m *Manager) Pin(file string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsLocked(file)
	s.Pins++
	return s.Pins
}

// Unpin drops one consumer and reports whether the buffers may now be
// released.
func (m *Manager) Unpin(file string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsLocked(file)
	if s.Pins > 0 {
		s.Pins--
	}
	release := s.Pins == 0 && !m.keepLocked(file)
	if release {
		m.logger.Debug("buffers releasable", utils.Fields{"file": file})
	}
	return release
}

// Releasable reports whether the file has no consumers and is not kept.
func (m *Manager) Releasable(file string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pins := 0
	if s, ok := m.stats[file]; ok {
		pins = s.Pins
	}
	return pins == 0 && !m.keepLocked(file)
}

// ReleaseAfterRound reports whether the producer may free the file's
// buffers once a round over channel has completed. pins counts consumers
// other than the round itself.
func (m *Manager) ReleaseAfterRound(file, channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keepLocked(file) || m.channels[channel] {
		return false
	}
	if s, ok := m.stats[file]; ok && s.Pins > 0 {
		return false
	}
	return true
}

// Observer returns the object-model observer for file.
func (m *Manager) Observer() metadata.Observer {
	return metadata.ObserverFunc(m.Observe)
}

// Observe records one object-model event.
func (m *Manager) Observe(ev metadata.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsLocked(ev.File)
	switch ev.Kind {
	case metadata.EventCreated:
		s.Created++
	case metadata.EventDetached:
		s.Detached++
	case metadata.EventWritten:
		s.Writes++
		s.BytesWritten += ev.Bytes
		s.LastWrite = time.Now()
	case metadata.EventReleased:
		s.Releases++
		s.BytesReleased += ev.Bytes
		s.LastRelease = time.Now()
	}
}

// Stats returns the bookkeeping of one file.
func (m *Manager) Stats(file string) (FileStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[file]
	if !ok {
		return FileStats{File: file}, false
	}
	return *s, true
}

// All returns the bookkeeping of every tracked file sorted by name.
func (m *Manager) All() []FileStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FileStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Drop discards the bookkeeping of a file that is no longer resident.
// Keep flags survive, and so does a file that still has consumers pinned.
func (m *Manager) Drop(file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[file]; ok && s.Pins == 0 {
		delete(m.stats, file)
	}
}

// Forget drops the bookkeeping and explicit keep flag of a released file.
func (m *Manager) Forget(file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, file)
	delete(m.files, file)
}
