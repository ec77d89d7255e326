// Package store implements the content-addressed store: content is
// keyed by its SHA-256 digest, written once per distinct digest
// (deduplication), and removed only through a secure multi-pass
// overwrite that the obliteration subsystem drives.
package store

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/januskey/januskey/internal/cache"
	"github.com/januskey/januskey/internal/hash"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/remote"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// tombstoneFile records obliterated hashes, one raw 32-byte digest per
// entry, appended to and fsynced on every SecureOverwrite. It is read
// back in full by New so a hash obliterated in a prior process
// lifetime is still refused after a restart.
const tombstoneFile = ".obliterated"

// Store is the content-addressed blob store. A single Store instance
// owns one managed root directory; all paths derived from content
// hashes live under it.
type Store struct {
	root       string
	shardWidth int

	mu          sync.RWMutex
	refs        map[types.Digest]int
	obliterated map[types.Digest]struct{}
	cache       *cache.LRU
	mirror      *remote.Mirror
	log         *logging.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithCache attaches a hot-content cache in front of disk reads.
func WithCache(c *cache.LRU) Option {
	return func(s *Store) { s.cache = c }
}

// WithMirror attaches a best-effort remote mirror.
func WithMirror(m *remote.Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, shardWidth int, log *logging.Logger, opts ...Option) (*Store, error) {
	if shardWidth <= 0 {
		shardWidth = 2
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.IoFailure("store", "failed to create managed root", err)
	}

	obliterated, err := loadTombstones(root)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:        root,
		shardWidth:  shardWidth,
		refs:        make(map[types.Digest]int),
		obliterated: obliterated,
		log:         log.With("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// loadTombstones replays root's tombstone file, returning the set of
// hashes that were obliterated in a previous process lifetime. A
// missing file means nothing has ever been obliterated under root.
func loadTombstones(root string) (map[types.Digest]struct{}, error) {
	obliterated := make(map[types.Digest]struct{})

	f, err := os.Open(filepath.Join(root, tombstoneFile))
	if os.IsNotExist(err) {
		return obliterated, nil
	}
	if err != nil {
		return nil, errors.IoFailure("store", "failed to open tombstone file", err)
	}
	defer f.Close()

	var buf [32]byte
	for {
		if _, err := io.ReadFull(f, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.IoFailure("store", "tombstone file is truncated or corrupt", err)
		}
		obliterated[types.Digest(buf)] = struct{}{}
	}
	return obliterated, nil
}

// appendTombstone durably records h as obliterated before the caller
// is allowed to observe the overwrite as complete, so a crash between
// the overwrite and this call never leaves a hash silently
// re-admissible.
func (s *Store) appendTombstone(h types.Digest) error {
	f, err := os.OpenFile(filepath.Join(s.root, tombstoneFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.IoFailure("store", "failed to open tombstone file for append", err)
	}
	defer f.Close()

	if _, err := f.Write(h[:]); err != nil {
		return errors.IoFailure("store", "failed to append tombstone", err)
	}
	if err := f.Sync(); err != nil {
		return errors.IoFailure("store", "failed to sync tombstone file", err)
	}
	return nil
}

// pathFor returns the sharded on-disk path for a content hash, e.g.
// <root>/ab/cd/abcd... for a shard width of 2.
func (s *Store) pathFor(h types.Digest) string {
	hex := h.String()
	return filepath.Join(s.root, hex[:s.shardWidth], hex[s.shardWidth:2*s.shardWidth], hex)
}

// Store writes content if its hash is not already present, incrementing
// a reference count on the digest either way (deduplication). It
// returns the content's hash.
func (s *Store) Store(ctx context.Context, content []byte) (types.Digest, error) {
	h := hash.Sum(content)

	s.mu.Lock()
	if _, gone := s.obliterated[h]; gone {
		s.mu.Unlock()
		return h, errors.ContentUnavailable("store", "hash was obliterated and cannot be re-admitted").WithContext("hash", h.String())
	}
	_, existed := s.refs[h]
	s.refs[h]++
	s.mu.Unlock()

	if existed {
		s.log.Debug("deduplicated store of %s (refcount now tracked)", h)
		return h, nil
	}

	path := s.pathFor(h)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return h, errors.IoFailure("store", "failed to create shard directory", err).WithContext("hash", h.String())
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return h, errors.IoFailure("store", "failed to write content", err).WithContext("hash", h.String())
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return h, errors.IoFailure("store", "failed to commit content", err).WithContext("hash", h.String())
	}

	if s.cache != nil {
		s.cache.Put(h, content)
	}
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, h, content); err != nil {
			s.log.Warn("mirror write failed for %s: %v", h, err)
		}
	}

	return h, nil
}

// Retrieve reads content by hash, checking the hot-content cache first.
func (s *Store) Retrieve(ctx context.Context, h types.Digest) ([]byte, error) {
	s.mu.RLock()
	_, gone := s.obliterated[h]
	s.mu.RUnlock()
	if gone {
		return nil, errors.ContentUnavailable("store", "content was obliterated").WithContext("hash", h.String())
	}

	if s.cache != nil {
		if content, ok := s.cache.Get(h); ok {
			return content, nil
		}
	}

	path := s.pathFor(h)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if s.mirror != nil {
				if mirrored, mErr := s.mirror.Get(ctx, h); mErr == nil {
					if s.cache != nil {
						s.cache.Put(h, mirrored)
					}
					return mirrored, nil
				}
			}
			return nil, errors.NotFound("store", "content not present").WithContext("hash", h.String())
		}
		return nil, errors.IoFailure("store", "failed to read content", err).WithContext("hash", h.String())
	}

	if s.cache != nil {
		s.cache.Put(h, content)
	}
	return content, nil
}

// Exists reports whether content for h is present locally.
func (s *Store) Exists(h types.Digest) bool {
	s.mu.RLock()
	_, gone := s.obliterated[h]
	s.mu.RUnlock()
	if gone {
		return false
	}

	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// RefCount returns the number of logical references to h recorded by
// Store calls (deduplication accounting).
func (s *Store) RefCount(h types.Digest) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[h]
}

// ReleaseRef decrements h's reference count, used when an operation
// that created a reference (e.g. apply_create) is undone without the
// content ever being obliterated.
func (s *Store) ReleaseRef(h types.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[h] > 0 {
		s.refs[h]--
	}
}

// OverwritePassResult reports the outcome of a secure overwrite.
type OverwritePassResult struct {
	PassesCompleted int
	StorageCleared  bool
}

// SecureOverwrite performs a DoD 5220.22-M-aligned multi-pass overwrite
// of h's on-disk blob and then removes it, regardless of outstanding
// reference count — this is the one-way, irreversible half of the
// content lifecycle that the reversible operation engine never
// triggers on its own. Callers (internal/obliteration) are responsible
// for deciding when obliteration is appropriate.
func (s *Store) SecureOverwrite(ctx context.Context, h types.Digest, passes int) (OverwritePassResult, error) {
	path := s.pathFor(h)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return OverwritePassResult{}, errors.NotFound("store", "content not present").WithContext("hash", h.String())
		}
		return OverwritePassResult{}, errors.IoFailure("store", "failed to stat content", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return OverwritePassResult{}, errors.IoFailure("store", "failed to open content for overwrite", err)
	}

	size := info.Size()
	completed := 0
	for pass := 0; pass < passes; pass++ {
		if err := overwritePass(f, size, pass); err != nil {
			f.Close()
			return OverwritePassResult{PassesCompleted: completed}, errors.IoFailure("store", "overwrite pass failed", err).WithContext("pass", strconv.Itoa(pass))
		}
		completed++
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return OverwritePassResult{PassesCompleted: completed}, errors.IoFailure("store", "failed to sync overwritten content", err)
	}
	f.Close()

	if err := os.Remove(path); err != nil {
		return OverwritePassResult{PassesCompleted: completed}, errors.IoFailure("store", "failed to remove overwritten content", err)
	}

	if err := s.appendTombstone(h); err != nil {
		return OverwritePassResult{PassesCompleted: completed}, err
	}

	s.mu.Lock()
	delete(s.refs, h)
	s.obliterated[h] = struct{}{}
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Evict(h)
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, h); err != nil {
			s.log.Warn("mirror delete failed for %s: %v", h, err)
		}
	}

	return OverwritePassResult{PassesCompleted: completed, StorageCleared: true}, nil
}

// overwritePass fills the file with one pass of the overwrite pattern:
// pass 0 writes zeros, pass 1 writes ones (0xFF), pass 2 writes random
// bytes from crypto/rand, and later passes repeat that cycle, matching
// the DoD 5220.22-M character/complement/random convention.
func overwritePass(f *os.File, size int64, pass int) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)

	var fill byte
	random := false
	switch pass % 3 {
	case 0:
		fill = 0x00
	case 1:
		fill = 0xFF
	default:
		random = true
	}
	for i := range buf {
		buf[i] = fill
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var written int64
	for written < size {
		n := int64(len(buf))
		if remaining := size - written; remaining < n {
			n = remaining
		}
		if random {
			if _, err := rand.Read(buf[:n]); err != nil {
				return err
			}
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return nil
}
