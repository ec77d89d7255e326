package fuse

import "time"

// MountConfig contains mount-specific configuration, shared by both
// the go-fuse/v2 and cgofuse mount managers.
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	Options     *MountOptions `yaml:"options"`
	Permissions *Permissions  `yaml:"permissions"`
}

// MountOptions contains FUSE mount options.
type MountOptions struct {
	// Basic options
	ReadOnly     bool `yaml:"read_only"`
	AllowOther   bool `yaml:"allow_other"`
	AllowRoot    bool `yaml:"allow_root"`
	DefaultPerms bool `yaml:"default_permissions"`

	// Performance options
	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	BigWrites bool   `yaml:"big_writes"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	// Advanced options
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	// Kernel options
	AsyncRead      bool `yaml:"async_read"`
	WritebackCache bool `yaml:"writeback_cache"`
	SpliceRead     bool `yaml:"splice_read"`
	SpliceWrite    bool `yaml:"splice_write"`
	SpliceMove     bool `yaml:"splice_move"`
}

// Permissions contains permission settings.
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// Config represents FUSE filesystem configuration, shared by both the
// go-fuse/v2 and cgofuse front ends.
type Config struct {
	MountPoint  string `yaml:"mount_point"`
	ReadOnly    bool   `yaml:"read_only"`
	AllowOther  bool   `yaml:"allow_other"`
	DefaultUID  uint32 `yaml:"default_uid"`
	DefaultGID  uint32 `yaml:"default_gid"`
	DefaultMode uint32 `yaml:"default_mode"`
}

// FilesystemStats represents filesystem operation statistics, as
// reported by either front end's mount manager.
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

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
