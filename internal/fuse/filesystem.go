//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"bytes"
	"context"
	"log"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/januskey/januskey/internal/engine"
	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// FileSystem is the go-fuse root embedder. It does not implement
// filesystem semantics itself: every mutating node method below
// translates a raw syscall into apply_<kind> calls on the operation
// engine (one per call, except Setattr, which issues one per changed
// attribute; writes are buffered and applied on Flush/Release), while
// lookups and reads go to the file-system model, so a mounted managed
// root stays reversible through the same engine API a caller would use
// directly.
type FileSystem struct {
	engine *engine.Engine
	model  *fsmodel.Model
	log    *logging.Logger
	config *Config
	stats  *Stats
}

// Stats tracks filesystem operation statistics.
type Stats struct {
	mu sync.RWMutex

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

func (s *Stats) inc(field *int64, delta int64) {
	s.mu.Lock()
	*field += delta
	s.mu.Unlock()
}

// NewFileSystem creates a new FUSE filesystem instance fronting eng/model.
func NewFileSystem(eng *engine.Engine, model *fsmodel.Model, log *logging.Logger, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  safeIntToUint32(os.Getuid()),
			DefaultGID:  safeIntToUint32(os.Getgid()),
			DefaultMode: 0644,
		}
	}
	return &FileSystem{engine: eng, model: model, log: log.With("fuse"), config: config, stats: &Stats{}}
}

// Root returns the root inode.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirNode{fs: f, path: ""}
}

// GetStats returns current filesystem statistics.
func (f *FileSystem) GetStats() *Stats {
	f.stats.mu.RLock()
	defer f.stats.mu.RUnlock()
	cp := *f.stats
	return &cp
}

func (f *FileSystem) metadataFromMode(mode uint32) types.FileMetadata {
	meta := types.DefaultFileMetadata()
	meta.Mode = mode
	meta.UID = f.config.DefaultUID
	meta.GID = f.config.DefaultGID
	return meta
}

func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, errors.CodeNotFound):
		return syscall.ENOENT
	case errors.Is(err, errors.CodeAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, errors.CodeContentUnavailable):
		return syscall.EIO
	case errors.Is(err, errors.CodeConflict):
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}

func attrFromMetadata(meta types.FileMetadata, isDir bool) fuse.Attr {
	var a fuse.Attr
	a.Mode = meta.Mode
	if isDir {
		a.Mode |= syscall.S_IFDIR
	} else if meta.IsSymlink {
		a.Mode |= syscall.S_IFLNK
	} else {
		a.Mode |= syscall.S_IFREG
	}
	a.Size = safeInt64ToUint64(meta.Size)
	a.Uid = meta.UID
	a.Gid = meta.GID
	if !meta.ModTime.IsZero() {
		a.SetTimes(nil, &meta.ModTime, nil)
	}
	return a
}

// DirNode represents a directory in the mounted tree.
type DirNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

func (n *DirNode) joinPath(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n *DirNode) childStableAttr(isDir bool) fs.StableAttr {
	mode := uint32(fuse.S_IFREG)
	if isDir {
		mode = fuse.S_IFDIR
	}
	return fs.StableAttr{Mode: mode}
}

var _ fs.NodeLookuper = (*DirNode)(nil)
var _ fs.NodeReaddirer = (*DirNode)(nil)
var _ fs.NodeMkdirer = (*DirNode)(nil)
var _ fs.NodeRmdirer = (*DirNode)(nil)
var _ fs.NodeCreater = (*DirNode)(nil)
var _ fs.NodeUnlinker = (*DirNode)(nil)
var _ fs.NodeRenamer = (*DirNode)(nil)
var _ fs.NodeSymlinker = (*DirNode)(nil)

func (n *DirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fs.stats.inc(&n.fs.stats.Lookups, 1)

	childPath := n.joinPath(name)
	entry, ok, err := n.fs.model.Find(childPath)
	if err != nil || !ok || !entry.Exists {
		return nil, syscall.ENOENT
	}

	out.Attr = attrFromMetadata(entry.Metadata, entry.IsDir)
	if entry.IsDir {
		return n.NewInode(ctx, &DirNode{fs: n.fs, path: childPath}, n.childStableAttr(true)), 0
	}
	return n.NewInode(ctx, &FileNode{fs: n.fs, path: childPath}, n.childStableAttr(false)), 0
}

func (n *DirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.fs.model.List(n.path)
	if err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		log.Printf("readdir failed for %s: %v", n.path, err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		childPath := n.joinPath(name)
		entry, ok, err := n.fs.model.Find(childPath)
		if err != nil || !ok {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if entry.IsDir {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}
	childPath := n.joinPath(name)
	if _, err := n.fs.engine.ApplyMkdir(childPath, n.fs.metadataFromMode(mode)); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return nil, errnoFor(err)
	}
	out.Attr = attrFromMetadata(n.fs.metadataFromMode(mode), true)
	return n.NewInode(ctx, &DirNode{fs: n.fs, path: childPath}, n.childStableAttr(true)), 0
}

func (n *DirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if _, err := n.fs.engine.ApplyRmdir(n.joinPath(name)); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return errnoFor(err)
	}
	return 0
}

func (n *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	childPath := n.joinPath(name)
	meta := n.fs.metadataFromMode(mode)
	if _, err := n.fs.engine.ApplyCreate(ctx, childPath, nil, meta); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return nil, nil, 0, errnoFor(err)
	}
	n.fs.stats.inc(&n.fs.stats.Creates, 1)

	out.Attr = attrFromMetadata(meta, false)
	node := n.NewInode(ctx, &FileNode{fs: n.fs, path: childPath}, n.childStableAttr(false))
	handle := &fileHandle{fs: n.fs, path: childPath, content: nil, loaded: true}
	return node, handle, 0, 0
}

func (n *DirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if _, err := n.fs.engine.ApplyDelete(ctx, n.joinPath(name)); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return errnoFor(err)
	}
	n.fs.stats.inc(&n.fs.stats.Deletes, 1)
	return 0
}

func (n *DirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	dst, ok := newParent.(*DirNode)
	if !ok {
		return syscall.EINVAL
	}
	if _, err := n.fs.engine.ApplyMove(ctx, n.joinPath(name), dst.joinPath(newName)); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return errnoFor(err)
	}
	return 0
}

func (n *DirNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}
	childPath := n.joinPath(name)
	meta := n.fs.metadataFromMode(0777)
	if _, err := n.fs.engine.ApplySymlink(childPath, target, meta); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return nil, errnoFor(err)
	}
	meta.IsSymlink = true
	meta.SymlinkTarget = target
	out.Attr = attrFromMetadata(meta, false)
	return n.NewInode(ctx, &FileNode{fs: n.fs, path: childPath}, n.childStableAttr(false)), 0
}

// FileNode represents a regular file or symlink in the mounted tree.
type FileNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

var _ fs.NodeOpener = (*FileNode)(nil)
var _ fs.NodeGetattrer = (*FileNode)(nil)
var _ fs.NodeSetattrer = (*FileNode)(nil)
var _ fs.NodeReadlinker = (*FileNode)(nil)

func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.fs.stats.inc(&n.fs.stats.Opens, 1)
	content, err := n.fs.model.GetContent(ctx, n.path)
	if err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors, 1)
		return nil, 0, errnoFor(err)
	}
	return &fileHandle{fs: n.fs, path: n.path, content: content, loaded: true}, 0, 0
}

func (n *FileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	meta, err := n.fs.model.GetMetadata(n.path)
	if err != nil {
		return errnoFor(err)
	}
	out.Attr = attrFromMetadata(meta, false)
	return 0
}

func (n *FileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}

	if mode, ok := in.GetMode(); ok {
		if _, err := n.fs.engine.ApplyChmod(n.path, mode&0777); err != nil {
			return errnoFor(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if _, err := n.fs.engine.ApplyTruncate(ctx, n.path, int64(size)); err != nil {
			return errnoFor(err)
		}
	}

	meta, err := n.fs.model.GetMetadata(n.path)
	if err != nil {
		return errnoFor(err)
	}
	out.Attr = attrFromMetadata(meta, false)
	return 0
}

func (n *FileNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	meta, err := n.fs.model.GetMetadata(n.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	if !meta.IsSymlink {
		return nil, syscall.EINVAL
	}
	return []byte(meta.SymlinkTarget), 0
}

// fileHandle buffers one open file's content in memory between open
// and release/flush, classifying the net change against the engine's
// apply_append/apply_truncate/apply_modify kinds rather than always
// falling back to a whole-file modify.
type fileHandle struct {
	mu       sync.Mutex
	fs       *FileSystem
	path     string
	original []byte
	content  []byte
	loaded   bool
	dirty    bool
}

var _ fs.FileReader = (*fileHandle)(nil)
var _ fs.FileWriter = (*fileHandle)(nil)
var _ fs.FileFlusher = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fs.stats.inc(&h.fs.stats.Reads, 1)

	if off >= int64(len(h.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	n := copy(dest, h.content[off:end])
	h.fs.stats.inc(&h.fs.stats.BytesRead, int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fs.config.ReadOnly {
		return 0, syscall.EROFS
	}
	if h.original == nil {
		h.original = append([]byte(nil), h.content...)
	}

	end := off + int64(len(data))
	if end > int64(len(h.content)) {
		grown := make([]byte, end)
		copy(grown, h.content)
		h.content = grown
	}
	copy(h.content[off:end], data)
	h.dirty = true
	h.fs.stats.inc(&h.fs.stats.Writes, 1)
	h.fs.stats.inc(&h.fs.stats.BytesWritten, int64(len(data)))
	return uint32(len(data)), 0
}

// classify decides which apply_<kind> best describes the change
// between original and content: a pure suffix addition is an append,
// a pure prefix shrink is a truncate, anything else is a modify.
func (h *fileHandle) classify() (kind string) {
	switch {
	case len(h.content) > len(h.original) && bytes.Equal(h.content[:len(h.original)], h.original):
		return "append"
	case len(h.content) < len(h.original) && bytes.Equal(h.original[:len(h.content)], h.content):
		return "truncate"
	default:
		return "modify"
	}
}

func (h *fileHandle) flushLocked(ctx context.Context) syscall.Errno {
	if !h.dirty {
		return 0
	}
	var err error
	switch h.classify() {
	case "append":
		_, err = h.fs.engine.ApplyAppend(ctx, h.path, h.content[len(h.original):])
	case "truncate":
		_, err = h.fs.engine.ApplyTruncate(ctx, h.path, int64(len(h.content)))
	default:
		_, err = h.fs.engine.ApplyModify(ctx, h.path, h.content)
	}
	if err != nil {
		h.fs.stats.inc(&h.fs.stats.Errors, 1)
		return errnoFor(err)
	}
	h.dirty = false
	h.original = append([]byte(nil), h.content...)
	return 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(ctx)
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(ctx)
}
