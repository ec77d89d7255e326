//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"

	"github.com/januskey/januskey/internal/engine"
	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/logging"
)

// PlatformFileSystem is the platform-specific mount-manager interface.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the appropriate mount manager for
// the platform: go-fuse/v2 on Linux/macOS, cgofuse under the cgofuse
// build tag (for platforms without a native kernel FUSE driver).
func CreatePlatformMountManager(eng *engine.Engine, model *fsmodel.Model, log *logging.Logger, config *MountConfig) PlatformFileSystem {
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		DefaultUID:  config.Permissions.UID,
		DefaultGID:  config.Permissions.GID,
		DefaultMode: config.Permissions.FileMode,
		ReadOnly:    config.Options.ReadOnly,
		AllowOther:  config.Options.AllowOther,
	}

	filesystem := NewFileSystem(eng, model, log, fuseConfig)
	return NewMountManager(filesystem, config)
}
