//go:build cgofuse
// +build cgofuse

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

// CreatePlatformMountManager creates the cgofuse mount manager, used on
// platforms without a native kernel FUSE driver.
func CreatePlatformMountManager(eng *engine.Engine, model *fsmodel.Model, log *logging.Logger, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(eng, model, log, config)
}
