//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/januskey/januskey/internal/engine"
	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/logging"
)

// CgoFuseMountManager wraps a CgoFuseFS behind the same surface the
// go-fuse/v2 MountManager exposes, for platforms without a native
// kernel FUSE driver (built under the cgofuse tag).
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a cgofuse-backed mount manager routing
// every mutating filesystem call through eng's apply_<kind> operations.
func NewCgoFuseMountManager(eng *engine.Engine, model *fsmodel.Model, log *logging.Logger, config *MountConfig) *CgoFuseMountManager {
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		DefaultUID:  config.Permissions.UID,
		DefaultGID:  config.Permissions.GID,
		DefaultMode: config.Permissions.FileMode,
		ReadOnly:    config.Options.ReadOnly,
		AllowOther:  config.Options.AllowOther,
	}

	filesystem := NewCgoFuseFS(eng, model, log, fuseConfig)

	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     config,
	}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
