// Package fsmodel implements the managed tree: a mapping from
// canonicalized path to (content hash, metadata, existence), backed by
// real files under a managed root so the operation engine and an
// optional FUSE front-end have somewhere real to land content.
package fsmodel

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/januskey/januskey/internal/hash"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/pathkey"
	"github.com/januskey/januskey/internal/store"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// Entry is one file-system model record. IsDir is an fsmodel-local
// extension (not part of the shared types.FileMetadata) needed to give
// mkdir/rmdir/symlink somewhere to record directory-ness.
type Entry struct {
	Path     string
	Hash     types.Digest
	Metadata types.FileMetadata
	Exists   bool
	IsDir    bool
}

// Model is the managed tree. A single Model owns one managed root;
// callers must serialize mutation per spec §5's single-writer model.
type Model struct {
	root  string
	store *store.Store
	log   *logging.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a Model rooted at root, backed by store for content
// retrieval and staging.
func New(root string, st *store.Store, log *logging.Logger) (*Model, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.IoFailure("fsmodel", "failed to create managed root", err)
	}
	return &Model{
		root:    root,
		store:   st,
		log:     log.With("fsmodel"),
		entries: make(map[string]*Entry),
	}, nil
}

func (m *Model) realPath(key string) string {
	return filepath.Join(m.root, filepath.FromSlash(key))
}

func (m *Model) canon(path string) (string, error) {
	return pathkey.Canonicalize(path)
}

// Find returns a copy of the entry at path, if one has ever been set.
func (m *Model) Find(path string) (Entry, bool, error) {
	key, err := m.canon(path)
	if err != nil {
		return Entry{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

// Exists reports whether path currently has live content (exists? = true).
func (m *Model) Exists(path string) bool {
	e, ok, err := m.Find(path)
	return err == nil && ok && e.Exists
}

// GetHash returns the content hash recorded at path.
func (m *Model) GetHash(path string) (types.Digest, error) {
	e, ok, err := m.Find(path)
	if err != nil {
		return types.Digest{}, err
	}
	if !ok || !e.Exists {
		return types.Digest{}, errors.NotFound("fsmodel", "path does not exist").WithContext("path", path)
	}
	return e.Hash, nil
}

// GetMetadata returns the metadata recorded at path.
func (m *Model) GetMetadata(path string) (types.FileMetadata, error) {
	e, ok, err := m.Find(path)
	if err != nil {
		return types.FileMetadata{}, err
	}
	if !ok || !e.Exists {
		return types.FileMetadata{}, errors.NotFound("fsmodel", "path does not exist").WithContext("path", path)
	}
	return e.Metadata, nil
}

// GetContent returns the live content at path, read through the
// content store by hash.
func (m *Model) GetContent(ctx context.Context, path string) ([]byte, error) {
	h, err := m.GetHash(path)
	if err != nil {
		return nil, err
	}
	return m.store.Retrieve(ctx, h)
}

// Set upserts a regular-file entry at path with content and metadata,
// writing the real bytes under the managed root and staging them in
// the content store (deduplicated by hash). It does not affect other
// paths.
func (m *Model) Set(ctx context.Context, path string, content []byte, metadata types.FileMetadata) (types.Digest, error) {
	key, err := m.canon(path)
	if err != nil {
		return types.Digest{}, err
	}

	h, err := m.store.Store(ctx, content)
	if err != nil {
		return types.Digest{}, err
	}

	real := m.realPath(key)
	if err := os.MkdirAll(filepath.Dir(real), 0755); err != nil {
		return h, errors.IoFailure("fsmodel", "failed to create parent directory", err).WithContext("path", path)
	}
	if err := os.WriteFile(real, content, os.FileMode(metadata.Mode)); err != nil {
		return h, errors.IoFailure("fsmodel", "failed to write file", err).WithContext("path", path)
	}
	metadata.Size = int64(len(content))

	m.mu.Lock()
	m.entries[key] = &Entry{Path: key, Hash: h, Metadata: metadata, Exists: true}
	m.mu.Unlock()

	return h, nil
}

// SetMetadata updates the metadata of an existing entry without
// touching its content (chmod, touch).
func (m *Model) SetMetadata(path string, metadata types.FileMetadata) error {
	key, err := m.canon(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.Exists {
		return errors.NotFound("fsmodel", "path does not exist").WithContext("path", path)
	}
	if !e.IsDir {
		if err := os.Chmod(m.realPath(key), os.FileMode(metadata.Mode)); err != nil {
			return errors.IoFailure("fsmodel", "failed to chmod file", err).WithContext("path", path)
		}
	}
	e.Metadata = metadata
	return nil
}

// Remove hollows the entry at path: exists? becomes false and
// content/hash/metadata are cleared. Other paths are untouched.
func (m *Model) Remove(path string) error {
	key, err := m.canon(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.Exists {
		return errors.NotFound("fsmodel", "path does not exist").WithContext("path", path)
	}

	real := m.realPath(key)
	var removeErr error
	if e.IsDir {
		removeErr = os.Remove(real)
	} else {
		removeErr = os.Remove(real)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return errors.IoFailure("fsmodel", "failed to remove file", removeErr).WithContext("path", path)
	}

	m.entries[key] = &Entry{Path: key, Exists: false}
	return nil
}

// Mkdir creates a directory entry at path.
func (m *Model) Mkdir(path string, metadata types.FileMetadata) error {
	key, err := m.canon(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.realPath(key), os.FileMode(metadata.Mode)|os.ModeDir); err != nil {
		return errors.IoFailure("fsmodel", "failed to create directory", err).WithContext("path", path)
	}

	m.mu.Lock()
	m.entries[key] = &Entry{Path: key, Hash: hash.NullHash, Metadata: metadata, Exists: true, IsDir: true}
	m.mu.Unlock()
	return nil
}

// Rmdir removes an empty directory entry at path.
func (m *Model) Rmdir(path string) error {
	key, err := m.canon(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.Exists || !e.IsDir {
		return errors.NotFound("fsmodel", "directory does not exist").WithContext("path", path)
	}
	if err := os.Remove(m.realPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.IoFailure("fsmodel", "failed to remove directory", err).WithContext("path", path)
	}
	m.entries[key] = &Entry{Path: key, Exists: false, IsDir: true}
	return nil
}

// Symlink creates a symlink entry at path pointing at target.
func (m *Model) Symlink(path, target string, metadata types.FileMetadata) error {
	key, err := m.canon(path)
	if err != nil {
		return err
	}
	metadata.IsSymlink = true
	metadata.SymlinkTarget = target

	real := m.realPath(key)
	if err := os.MkdirAll(filepath.Dir(real), 0755); err != nil {
		return errors.IoFailure("fsmodel", "failed to create parent directory", err).WithContext("path", path)
	}
	if err := os.Symlink(target, real); err != nil {
		return errors.IoFailure("fsmodel", "failed to create symlink", err).WithContext("path", path)
	}

	m.mu.Lock()
	m.entries[key] = &Entry{Path: key, Hash: hash.NullHash, Metadata: metadata, Exists: true}
	m.mu.Unlock()
	return nil
}

// List returns the base names of every existing immediate child of
// dir (the empty string for the managed root itself), for the FUSE
// front-end's Readdir.
func (m *Model) List(dir string) ([]string, error) {
	key := ""
	if dir != "" {
		var err error
		key, err = m.canon(dir)
		if err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0)
	for k, e := range m.entries {
		if !e.Exists || pathkey.Parent(k) != key {
			continue
		}
		names = append(names, pathkey.Base(k))
	}
	return names, nil
}

// Root returns the real directory backing the managed root, used by
// the FUSE front-end to resolve raw path lookups outside the model.
func (m *Model) Root() string {
	return m.root
}

// Validate checks that every existing entry's recorded hash matches
// the hash of its recorded content (the state-validity invariant,
// spec §4.3), returning InvalidState on the first mismatch found.
func (m *Model) Validate(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, e := range m.entries {
		if !e.Exists || e.IsDir || e.Metadata.IsSymlink {
			continue
		}
		content, err := m.store.Retrieve(ctx, e.Hash)
		if err != nil {
			return errors.InvalidState("fsmodel", "recorded hash not retrievable from store").WithContext("path", key)
		}
		if hash.Sum(content) != e.Hash {
			return errors.InvalidState("fsmodel", "recorded hash does not match stored content").WithContext("path", key)
		}
	}
	return nil
}
