package fuse

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/utils"
)

// MountManager manages the inspection mount
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig represents mount configuration
type MountConfig struct {
	MountPoint string `yaml:"mount_point"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
	FSName     string `yaml:"fs_name"`
}

// NewMountManager creates a mount manager; the mount is always read-only.
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger *utils.StructuredLogger) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.FSName == "" {
		config.FSName = "lowfive"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger.WithComponent("fuse"),
	}
}

func mountError(message string, cause error, mountPoint string) error {
	e := pkgerrors.NewError(pkgerrors.ErrCodeMountFailed, message).
		WithComponent("fuse").
		WithContext("mount_point", mountPoint)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// Mount mounts the filesystem and serves it until Unmount or until ctx is
// done.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted {
		return pkgerrors.NewError(pkgerrors.ErrCodeAlreadyStarted, "filesystem is already mounted").WithComponent("fuse")
	}

	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return mountError("failed to mount filesystem", err, m.config.MountPoint)
	}
	m.server = server
	m.mounted = true
	m.logger.Info("inspection mount ready", utils.Fields{"mount_point": m.config.MountPoint})

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
			m.server = nil
		}
		m.mu.Unlock()
		m.logger.Debug("FUSE server stopped")
	}()
	go func() {
		<-ctx.Done()
		if err := m.Unmount(); err != nil && !pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument) {
			m.logger.Warn("unmount on shutdown failed", utils.Fields{"error": err.Error()})
		}
	}()

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted || m.server == nil {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "filesystem is not mounted").WithComponent("fuse")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", utils.Fields{"error": err.Error()})
		if forceErr := m.forceUnmount(); forceErr != nil {
			return mountError("unmount failed", err, m.config.MountPoint)
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info("inspection mount removed", utils.Fields{"mount_point": m.config.MountPoint})
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the configured mount point
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server stops
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// Stats returns the filesystem counters
func (m *MountManager) Stats() *Stats {
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return mountError("mount point cannot be empty", nil, "")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return mountError("mount point does not exist", err, m.config.MountPoint)
		}
		return mountError("cannot access mount point", err, m.config.MountPoint)
	}
	if !info.IsDir() {
		return mountError("mount point is not a directory", nil, m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return mountError("cannot read mount point directory", err, m.config.MountPoint)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", utils.Fields{"mount_point": m.config.MountPoint})
	}

	if isMounted(m.config.MountPoint) {
		return mountError("mount point is already mounted", nil, m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attrTimeout := m.filesystem.config.AttrTimeout
	entryTimeout := m.filesystem.config.EntryTimeout
	if attrTimeout == 0 {
		attrTimeout = time.Second
	}
	if entryTimeout == 0 {
		entryTimeout = time.Second
	}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
			Options:    []string{"ro"},
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		UID:          m.filesystem.config.DefaultUID,
		GID:          m.filesystem.config.DefaultGID,
	}
	return opts
}

// isMounted looks for mountPoint in /proc/mounts.
func isMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	clean := filepath.Clean(mountPoint)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 1 && fields[1] == clean {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH
	return syscall.Unmount(m.config.MountPoint, 2)
}

// DefaultConfig returns the filesystem configuration for the current user.
func DefaultConfig() *Config {
	return &Config{
		DefaultUID:   safeIntToUint32(os.Getuid()),
		DefaultGID:   safeIntToUint32(os.Getgid()),
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}
