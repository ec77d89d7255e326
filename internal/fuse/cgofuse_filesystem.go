//go:build cgofuse
// +build cgofuse

package fuse

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/januskey/januskey/internal/engine"
	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// Stats tracks filesystem operation statistics for the cgofuse front end.
type Stats struct {
	mu sync.RWMutex

	Lookups      int64
	Opens        int64
	Reads        int64
	Writes       int64
	Creates      int64
	Deletes      int64
	BytesRead    int64
	BytesWritten int64
	Errors       int64
}

func (s *Stats) inc(field *int64, delta int64) {
	s.mu.Lock()
	*field += delta
	s.mu.Unlock()
}

// cgoFileHandle buffers one open file's content between open and
// release/flush, mirroring the go-fuse front end's classification of
// the net change into append/truncate/modify.
type cgoFileHandle struct {
	path     string
	original []byte
	content  []byte
	loaded   bool
	dirty    bool
}

func (h *cgoFileHandle) classify() string {
	switch {
	case len(h.content) > len(h.original) && bytes.Equal(h.content[:len(h.original)], h.original):
		return "append"
	case len(h.content) < len(h.original) && bytes.Equal(h.original[:len(h.content)], h.content):
		return "truncate"
	default:
		return "modify"
	}
}

// CgoFuseFS implements the managed tree on top of winfsp/cgofuse, for
// platforms without a native kernel FUSE driver. Every mutating
// operation below routes through one apply_<kind> call on the engine
// (writes are buffered and applied on Flush/Release), while lookups and
// reads go to the file-system model, same as the go-fuse/v2 front end
// in filesystem.go.
type CgoFuseFS struct {
	fuse.FileSystemBase

	engine *engine.Engine
	model  *fsmodel.Model
	log    *logging.Logger
	config *Config
	stats  *Stats

	mu         sync.RWMutex
	openFiles  map[uint64]*cgoFileHandle
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool
}

// NewCgoFuseFS creates a new cgofuse-based filesystem fronting eng/model.
func NewCgoFuseFS(eng *engine.Engine, model *fsmodel.Model, log *logging.Logger, config *Config) *CgoFuseFS {
	if config == nil {
		config = &Config{DefaultMode: 0644}
	}
	return &CgoFuseFS{
		engine:     eng,
		model:      model,
		log:        log.With("cgofuse"),
		config:     config,
		stats:      &Stats{},
		openFiles:  make(map[uint64]*cgoFileHandle),
		nextHandle: 1,
	}
}

// Mount mounts the filesystem.
func (f *CgoFuseFS) Mount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	f.host = fuse.NewFileSystemHost(f)

	options := []string{
		"-o", "fsname=januskey",
		"-o", "subtype=janus",
	}
	if f.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	go func() {
		ret := f.host.Mount(f.config.MountPoint, options)
		if !ret {
			log.Printf("cgofuse mount failed")
		}
	}()

	time.Sleep(100 * time.Millisecond)

	f.mounted = true
	log.Printf("januskey mounted at: %s", f.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem.
func (f *CgoFuseFS) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mounted {
		return fmt.Errorf("filesystem not mounted")
	}
	if f.host != nil && !f.host.Unmount() {
		return fmt.Errorf("unmount failed")
	}

	f.mounted = false
	log.Printf("januskey unmounted from: %s", f.config.MountPoint)
	return nil
}

// IsMounted returns whether the filesystem is mounted.
func (f *CgoFuseFS) IsMounted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mounted
}

// GetStats returns filesystem statistics.
func (f *CgoFuseFS) GetStats() *FilesystemStats {
	f.stats.mu.RLock()
	defer f.stats.mu.RUnlock()
	return &FilesystemStats{
		Lookups:      f.stats.Lookups,
		Opens:        f.stats.Opens,
		Reads:        f.stats.Reads,
		Writes:       f.stats.Writes,
		Creates:      f.stats.Creates,
		Deletes:      f.stats.Deletes,
		BytesRead:    f.stats.BytesRead,
		BytesWritten: f.stats.BytesWritten,
		Errors:       f.stats.Errors,
	}
}

func (f *CgoFuseFS) metadataFromMode(mode uint32) types.FileMetadata {
	meta := types.DefaultFileMetadata()
	meta.Mode = mode
	meta.UID = f.config.DefaultUID
	meta.GID = f.config.DefaultGID
	return meta
}

func cgoErrnoFor(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, errors.CodeNotFound):
		return -fuse.ENOENT
	case errors.Is(err, errors.CodeAlreadyExists):
		return -fuse.EEXIST
	case errors.Is(err, errors.CodeContentUnavailable):
		return -fuse.EIO
	case errors.Is(err, errors.CodeConflict):
		return -fuse.EBUSY
	default:
		return -fuse.EIO
	}
}

func key(path string) string {
	return strings.TrimPrefix(path, "/")
}

func fillStat(stat *fuse.Stat_t, meta types.FileMetadata, isDir bool) {
	mode := meta.Mode
	switch {
	case isDir:
		mode |= fuse.S_IFDIR
	case meta.IsSymlink:
		mode |= fuse.S_IFLNK
	default:
		mode |= fuse.S_IFREG
	}
	stat.Mode = mode
	stat.Size = meta.Size
	stat.Uid = meta.UID
	stat.Gid = meta.GID
	if isDir {
		stat.Nlink = 2
	} else {
		stat.Nlink = 1
	}
	if !meta.ModTime.IsZero() {
		stat.Mtim.Sec = meta.ModTime.Unix()
		stat.Mtim.Nsec = int64(meta.ModTime.Nanosecond())
	}
}

// Getattr gets file attributes.
func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	f.stats.inc(&f.stats.Lookups, 1)

	if path == "/" {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return 0
	}

	entry, ok, err := f.model.Find(key(path))
	if err != nil || !ok || !entry.Exists {
		return -fuse.ENOENT
	}
	fillStat(stat, entry.Metadata, entry.IsDir)
	return 0
}

// Mkdir creates a directory.
func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	if _, err := f.engine.ApplyMkdir(key(path), f.metadataFromMode(mode)); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	return 0
}

// Rmdir removes a directory.
func (f *CgoFuseFS) Rmdir(path string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	if _, err := f.engine.ApplyRmdir(key(path)); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	return 0
}

// Unlink removes a file.
func (f *CgoFuseFS) Unlink(path string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	if _, err := f.engine.ApplyDelete(ctx, key(path)); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	f.stats.inc(&f.stats.Deletes, 1)
	return 0
}

// Rename moves a file or directory.
func (f *CgoFuseFS) Rename(oldpath string, newpath string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	if _, err := f.engine.ApplyMove(ctx, key(oldpath), key(newpath)); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	return 0
}

// Symlink creates a symlink at newpath pointing at target.
func (f *CgoFuseFS) Symlink(target string, newpath string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	meta := f.metadataFromMode(0777)
	if _, err := f.engine.ApplySymlink(key(newpath), target, meta); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	return 0
}

// Readlink reads a symlink's target.
func (f *CgoFuseFS) Readlink(path string) (int, string) {
	meta, err := f.model.GetMetadata(key(path))
	if err != nil {
		return cgoErrnoFor(err), ""
	}
	if !meta.IsSymlink {
		return -fuse.EINVAL, ""
	}
	return 0, meta.SymlinkTarget
}

// Chmod changes a file's mode bits.
func (f *CgoFuseFS) Chmod(path string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	if _, err := f.engine.ApplyChmod(key(path), mode&0777); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	return 0
}

// Create creates and opens a file.
func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	if f.config.ReadOnly {
		return -fuse.EROFS, ^uint64(0)
	}
	ctx := context.Background()
	meta := f.metadataFromMode(mode)
	if _, err := f.engine.ApplyCreate(ctx, key(path), nil, meta); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err), ^uint64(0)
	}
	f.stats.inc(&f.stats.Creates, 1)

	f.mu.Lock()
	handle := f.nextHandle
	f.nextHandle++
	f.openFiles[handle] = &cgoFileHandle{path: key(path), loaded: true}
	f.mu.Unlock()

	return 0, handle
}

// Open opens an existing file.
func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	f.stats.inc(&f.stats.Opens, 1)

	ctx := context.Background()
	content, err := f.model.GetContent(ctx, key(path))
	if err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err), ^uint64(0)
	}

	f.mu.Lock()
	handle := f.nextHandle
	f.nextHandle++
	f.openFiles[handle] = &cgoFileHandle{path: key(path), content: content, loaded: true}
	f.mu.Unlock()

	return 0, handle
}

func (f *CgoFuseFS) handle(fh uint64) *cgoFileHandle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.openFiles[fh]
}

// Read reads from an open file.
func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	f.stats.inc(&f.stats.Reads, 1)

	if ofst >= int64(len(h.content)) {
		return 0
	}
	end := ofst + int64(len(buff))
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	n := copy(buff, h.content[ofst:end])
	f.stats.inc(&f.stats.BytesRead, int64(n))
	return n
}

// Write writes to an open file, buffering until Flush/Release.
func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	if h.original == nil {
		h.original = append([]byte(nil), h.content...)
	}

	end := ofst + int64(len(buff))
	if end > int64(len(h.content)) {
		grown := make([]byte, end)
		copy(grown, h.content)
		h.content = grown
	}
	copy(h.content[ofst:end], buff)
	h.dirty = true
	f.stats.inc(&f.stats.Writes, 1)
	f.stats.inc(&f.stats.BytesWritten, int64(len(buff)))
	return len(buff)
}

// Truncate changes a file's size directly (ftruncate/truncate(2)).
func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	if _, err := f.engine.ApplyTruncate(ctx, key(path), size); err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	if h := f.handle(fh); h != nil {
		content, err := f.model.GetContent(ctx, key(path))
		if err == nil {
			h.content = content
			h.original = append([]byte(nil), content...)
			h.dirty = false
		}
	}
	return 0
}

func (f *CgoFuseFS) flush(path string, h *cgoFileHandle) int {
	if !h.dirty {
		return 0
	}
	ctx := context.Background()
	var err error
	switch h.classify() {
	case "append":
		_, err = f.engine.ApplyAppend(ctx, h.path, h.content[len(h.original):])
	case "truncate":
		_, err = f.engine.ApplyTruncate(ctx, h.path, int64(len(h.content)))
	default:
		_, err = f.engine.ApplyModify(ctx, h.path, h.content)
	}
	if err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return cgoErrnoFor(err)
	}
	h.dirty = false
	h.original = append([]byte(nil), h.content...)
	return 0
}

// Flush flushes buffered writes to the engine.
func (f *CgoFuseFS) Flush(path string, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	return f.flush(path, h)
}

// Release closes a file, flushing any remaining buffered writes.
func (f *CgoFuseFS) Release(path string, fh uint64) int {
	h := f.handle(fh)
	ret := 0
	if h != nil {
		ret = f.flush(path, h)
	}

	f.mu.Lock()
	delete(f.openFiles, fh)
	f.mu.Unlock()
	return ret
}

// Opendir opens a directory for reading.
func (f *CgoFuseFS) Opendir(path string) (int, uint64) {
	return 0, 0
}

// Releasedir releases a directory handle.
func (f *CgoFuseFS) Releasedir(path string, fh uint64) int {
	return 0
}

// Readdir reads directory contents.
func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)

	dir := key(path)
	names, err := f.model.List(dir)
	if err != nil {
		f.stats.inc(&f.stats.Errors, 1)
		return -fuse.EIO
	}

	for _, name := range names {
		childPath := name
		if dir != "" {
			childPath = dir + "/" + name
		}
		entry, ok, err := f.model.Find(childPath)
		if err != nil || !ok {
			continue
		}
		stat := &fuse.Stat_t{}
		fillStat(stat, entry.Metadata, entry.IsDir)
		if !fill(name, stat, 0) {
			break
		}
	}
	return 0
}
