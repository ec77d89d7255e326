// Package engine implements the operation engine: one apply_<kind> per
// mutation kind, a generic undo dispatcher, and sequence/transaction
// wrappers over the file-system model and content store.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/historylog"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/metrics"
	"github.com/januskey/januskey/internal/store"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/recovery"
	"github.com/januskey/januskey/pkg/types"
)

// Engine is the operation engine. A single Engine owns one managed
// root's file-system model and content store; callers must serialize
// calls per spec's single-writer model.
type Engine struct {
	model *fsmodel.Model
	store *store.Store
	clock Clock
	log   *logging.Logger

	metrics    *metrics.Collector // optional, nil-safe
	historyLog *historylog.Log    // optional, nil-safe

	mu      sync.Mutex
	nextID  uint64
	history []*types.OperationMetadata

	activeTx     types.TransactionID
	txActive     bool
	txStartIndex int
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithClock overrides the default SystemClock, used by tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics attaches a Prometheus collector observing apply/undo
// throughput and outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHistoryLog attaches the binary operation-history log. Every
// apply_<kind> appends a record here in addition to the in-memory
// ordered history, and undo appends a tombstone referencing the
// original record's id.
func WithHistoryLog(l *historylog.Log) Option {
	return func(e *Engine) { e.historyLog = l }
}

// New creates an Engine over model and st.
func New(model *fsmodel.Model, st *store.Store, log *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		model:  model,
		store:  st,
		clock:  SystemClock{},
		log:    log.With("engine"),
		nextID: 0,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) nextOpID() uint64 {
	return atomic.AddUint64(&e.nextID, 1)
}

func (e *Engine) record(meta *types.OperationMetadata) {
	meta.State = types.StateApplied
	e.history = append(e.history, meta)
	if e.historyLog == nil {
		return
	}
	if err := e.historyLog.Append(*meta); err != nil {
		e.log.Error("history log append failed: %v", err)
	}
}

// Seed reconstructs in-memory history and the id sequence from records
// replayed off the persistent history log at startup (historylog.Open's
// second return value). Tombstone records mark their referenced id
// Undone; it is not an error for ref to be unknown to this seed, since a
// truncated or rotated log may have dropped the original record.
func (e *Engine) Seed(records []historylog.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[uint64]*types.OperationMetadata, len(records))
	for _, r := range records {
		if r.Tombstone {
			if m, ok := byID[r.Ref]; ok {
				m.State = types.StateUndone
			}
			if r.ID > e.nextID {
				e.nextID = r.ID
			}
			continue
		}
		m := &types.OperationMetadata{
			ID:            r.ID,
			Kind:          r.Kind,
			Timestamp:     r.Timestamp,
			PrimaryPath:   r.PrimaryPath,
			SecondaryPath: r.SecondaryPath,
			PreHash:       r.PreHash,
			PostHash:      r.PostHash,
			PreMetadata:   r.PreMetadata,
			PreSize:       r.PreSize,
			State:         types.StateApplied,
		}
		byID[r.ID] = m
		e.history = append(e.history, m)
		if r.ID > e.nextID {
			e.nextID = r.ID
		}
	}
}

func (e *Engine) observe(kind types.OperationKind, start time.Time, size int64, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordApply(string(kind), time.Since(start), size, err == nil)
	if err != nil {
		e.metrics.RecordError(string(kind), err)
	}
}

// observeUndo records a reversal of kind, as distinct from the
// apply_<kind> call that originally produced the record being undone.
func (e *Engine) observeUndo(kind types.OperationKind, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordUndo(string(kind), time.Since(start), err == nil)
	if err != nil {
		e.metrics.RecordError(string(kind), err)
	}
}

// History returns a snapshot copy of the operation history in
// application order.
func (e *Engine) History() []types.OperationMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.OperationMetadata, len(e.history))
	for i, m := range e.history {
		out[i] = *m
	}
	return out
}

// --- apply_<kind> ---

// ApplyCreate inserts a new file at path with content, failing with
// AlreadyExists if one is already present.
func (e *Engine) ApplyCreate(ctx context.Context, path string, content []byte, metadata types.FileMetadata) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_create", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		if e.model.Exists(path) {
			err := errors.AlreadyExists("engine", "path already exists").WithOperation("apply_create").WithContext("path", path)
			e.observe(types.OpCreate, start, int64(len(content)), err)
			return types.OperationMetadata{}, err
		}

		h, err := e.model.Set(ctx, path, content, metadata)
		if err != nil {
			e.observe(types.OpCreate, start, int64(len(content)), err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpCreate, Timestamp: start,
			PrimaryPath: path, PostHash: &h,
		}
		e.record(meta)
		e.observe(types.OpCreate, start, int64(len(content)), nil)
		return *meta, nil
	})
}

// ApplyDelete removes path from the model; its content stays in the
// store under the record's PreHash for possible undo.
func (e *Engine) ApplyDelete(ctx context.Context, path string) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_delete", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		preHash, err := e.model.GetHash(path)
		if err != nil {
			e.observe(types.OpDelete, start, 0, err)
			return types.OperationMetadata{}, err
		}
		preMeta, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpDelete, start, 0, err)
			return types.OperationMetadata{}, err
		}

		if err := e.model.Remove(path); err != nil {
			e.observe(types.OpDelete, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpDelete, Timestamp: start,
			PrimaryPath: path, PreHash: &preHash, PreMetadata: &preMeta,
		}
		e.record(meta)
		e.observe(types.OpDelete, start, preMeta.Size, nil)
		return *meta, nil
	})
}

// ApplyModify replaces the content at path with content, preserving
// metadata.
func (e *Engine) ApplyModify(ctx context.Context, path string, content []byte) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_modify", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		preHash, err := e.model.GetHash(path)
		if err != nil {
			e.observe(types.OpModify, start, 0, err)
			return types.OperationMetadata{}, err
		}
		preMeta, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpModify, start, 0, err)
			return types.OperationMetadata{}, err
		}

		postHash, err := e.model.Set(ctx, path, content, preMeta)
		if err != nil {
			e.observe(types.OpModify, start, int64(len(content)), err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpModify, Timestamp: start,
			PrimaryPath: path, PreHash: &preHash, PostHash: &postHash, PreMetadata: &preMeta,
		}
		e.record(meta)
		e.observe(types.OpModify, start, int64(len(content)), nil)
		return *meta, nil
	})
}

// ApplyMove rebinds src's entry to dst and removes src.
func (e *Engine) ApplyMove(ctx context.Context, src, dst string) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_move", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		if !e.model.Exists(src) {
			err := errors.NotFound("engine", "source path does not exist").WithOperation("apply_move").WithContext("path", src)
			e.observe(types.OpMove, start, 0, err)
			return types.OperationMetadata{}, err
		}
		if e.model.Exists(dst) {
			err := errors.AlreadyExists("engine", "destination path already exists").WithOperation("apply_move").WithContext("path", dst)
			e.observe(types.OpMove, start, 0, err)
			return types.OperationMetadata{}, err
		}

		content, err := e.model.GetContent(ctx, src)
		if err != nil {
			e.observe(types.OpMove, start, 0, err)
			return types.OperationMetadata{}, err
		}
		meta1, err := e.model.GetMetadata(src)
		if err != nil {
			e.observe(types.OpMove, start, 0, err)
			return types.OperationMetadata{}, err
		}

		if _, err := e.model.Set(ctx, dst, content, meta1); err != nil {
			e.observe(types.OpMove, start, int64(len(content)), err)
			return types.OperationMetadata{}, err
		}
		if err := e.model.Remove(src); err != nil {
			// compensate: undo the dst write before surfacing the error
			_ = e.model.Remove(dst)
			e.observe(types.OpMove, start, int64(len(content)), err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpMove, Timestamp: start,
			PrimaryPath: src, SecondaryPath: dst,
		}
		e.record(meta)
		e.observe(types.OpMove, start, int64(len(content)), nil)
		return *meta, nil
	})
}

// ApplyCopy duplicates src's entry at dst, keeping src intact.
func (e *Engine) ApplyCopy(ctx context.Context, src, dst string) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_copy", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		if !e.model.Exists(src) {
			err := errors.NotFound("engine", "source path does not exist").WithOperation("apply_copy").WithContext("path", src)
			e.observe(types.OpCopy, start, 0, err)
			return types.OperationMetadata{}, err
		}
		if e.model.Exists(dst) {
			err := errors.AlreadyExists("engine", "destination path already exists").WithOperation("apply_copy").WithContext("path", dst)
			e.observe(types.OpCopy, start, 0, err)
			return types.OperationMetadata{}, err
		}

		content, err := e.model.GetContent(ctx, src)
		if err != nil {
			e.observe(types.OpCopy, start, 0, err)
			return types.OperationMetadata{}, err
		}
		srcMeta, err := e.model.GetMetadata(src)
		if err != nil {
			e.observe(types.OpCopy, start, 0, err)
			return types.OperationMetadata{}, err
		}

		if _, err := e.model.Set(ctx, dst, content, srcMeta); err != nil {
			e.observe(types.OpCopy, start, int64(len(content)), err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpCopy, Timestamp: start,
			PrimaryPath: src, SecondaryPath: dst,
		}
		e.record(meta)
		e.observe(types.OpCopy, start, int64(len(content)), nil)
		return *meta, nil
	})
}

// ApplyChmod changes the permission bits at path.
func (e *Engine) ApplyChmod(path string, mode uint32) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_chmod", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		preMeta, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpChmod, start, 0, err)
			return types.OperationMetadata{}, err
		}

		newMeta := preMeta
		newMeta.Mode = mode
		if err := e.model.SetMetadata(path, newMeta); err != nil {
			e.observe(types.OpChmod, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpChmod, Timestamp: start,
			PrimaryPath: path, PreMetadata: &preMeta,
		}
		e.record(meta)
		e.observe(types.OpChmod, start, 0, nil)
		return *meta, nil
	})
}

// ApplyMkdir creates a directory entry at path.
func (e *Engine) ApplyMkdir(path string, metadata types.FileMetadata) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_mkdir", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		if e.model.Exists(path) {
			err := errors.AlreadyExists("engine", "path already exists").WithOperation("apply_mkdir").WithContext("path", path)
			e.observe(types.OpMkdir, start, 0, err)
			return types.OperationMetadata{}, err
		}
		if err := e.model.Mkdir(path, metadata); err != nil {
			e.observe(types.OpMkdir, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpMkdir, Timestamp: start, PrimaryPath: path,
		}
		e.record(meta)
		e.observe(types.OpMkdir, start, 0, nil)
		return *meta, nil
	})
}

// ApplyRmdir removes an empty directory entry at path.
func (e *Engine) ApplyRmdir(path string) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_rmdir", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		preMeta, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpRmdir, start, 0, err)
			return types.OperationMetadata{}, err
		}
		if err := e.model.Rmdir(path); err != nil {
			e.observe(types.OpRmdir, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpRmdir, Timestamp: start,
			PrimaryPath: path, PreMetadata: &preMeta,
		}
		e.record(meta)
		e.observe(types.OpRmdir, start, 0, nil)
		return *meta, nil
	})
}

// ApplySymlink creates a symlink entry at path pointing at target.
func (e *Engine) ApplySymlink(path, target string, metadata types.FileMetadata) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_symlink", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		if e.model.Exists(path) {
			err := errors.AlreadyExists("engine", "path already exists").WithOperation("apply_symlink").WithContext("path", path)
			e.observe(types.OpSymlink, start, 0, err)
			return types.OperationMetadata{}, err
		}
		if err := e.model.Symlink(path, target, metadata); err != nil {
			e.observe(types.OpSymlink, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpSymlink, Timestamp: start, PrimaryPath: path,
		}
		e.record(meta)
		e.observe(types.OpSymlink, start, 0, nil)
		return *meta, nil
	})
}

// ApplyAppend appends data to the content at path. Per the source's
// design (Open Question a), only pre_size is snapshotted; undo is a
// byte-exact truncate back to pre_size, never a full content restore.
func (e *Engine) ApplyAppend(ctx context.Context, path string, data []byte) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_append", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		content, err := e.model.GetContent(ctx, path)
		if err != nil {
			e.observe(types.OpAppend, start, int64(len(data)), err)
			return types.OperationMetadata{}, err
		}
		meta0, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpAppend, start, int64(len(data)), err)
			return types.OperationMetadata{}, err
		}
		preSize := int64(len(content))

		combined := make([]byte, 0, len(content)+len(data))
		combined = append(combined, content...)
		combined = append(combined, data...)
		if _, err := e.model.Set(ctx, path, combined, meta0); err != nil {
			e.observe(types.OpAppend, start, int64(len(data)), err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpAppend, Timestamp: start,
			PrimaryPath: path, PreSize: &preSize,
		}
		e.record(meta)
		e.observe(types.OpAppend, start, int64(len(data)), nil)
		return *meta, nil
	})
}

// ApplyTruncate truncates the content at path to size bytes.
func (e *Engine) ApplyTruncate(ctx context.Context, path string, size int64) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_truncate", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		preHash, err := e.model.GetHash(path)
		if err != nil {
			e.observe(types.OpTruncate, start, 0, err)
			return types.OperationMetadata{}, err
		}
		content, err := e.model.GetContent(ctx, path)
		if err != nil {
			e.observe(types.OpTruncate, start, 0, err)
			return types.OperationMetadata{}, err
		}
		meta0, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpTruncate, start, 0, err)
			return types.OperationMetadata{}, err
		}
		preSize := int64(len(content))

		if size < 0 {
			size = 0
		}
		if size > preSize {
			size = preSize
		}
		truncated := content[:size]
		if _, err := e.model.Set(ctx, path, truncated, meta0); err != nil {
			e.observe(types.OpTruncate, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpTruncate, Timestamp: start,
			PrimaryPath: path, PreHash: &preHash, PreSize: &preSize,
		}
		e.record(meta)
		e.observe(types.OpTruncate, start, 0, nil)
		return *meta, nil
	})
}

// ApplyTouch refreshes the modification time at path.
func (e *Engine) ApplyTouch(path string) (types.OperationMetadata, error) {
	return recovery.SafeResult("engine", "apply_touch", func() (types.OperationMetadata, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		start := e.clock.Now()

		preMeta, err := e.model.GetMetadata(path)
		if err != nil {
			e.observe(types.OpTouch, start, 0, err)
			return types.OperationMetadata{}, err
		}

		newMeta := preMeta
		newMeta.ModTime = start
		if err := e.model.SetMetadata(path, newMeta); err != nil {
			e.observe(types.OpTouch, start, 0, err)
			return types.OperationMetadata{}, err
		}

		meta := &types.OperationMetadata{
			ID: e.nextOpID(), Kind: types.OpTouch, Timestamp: start,
			PrimaryPath: path, PreMetadata: &preMeta,
		}
		e.record(meta)
		e.observe(types.OpTouch, start, 0, nil)
		return *meta, nil
	})
}

// MarkHashObliterated transitions every Applied history record
// referencing h (as pre- or post-hash) to Obliterated_ref, called by
// the obliteration subsystem after a successful secure overwrite.
func (e *Engine) MarkHashObliterated(h types.Digest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.history {
		if m.State != types.StateApplied {
			continue
		}
		if (m.PreHash != nil && *m.PreHash == h) || (m.PostHash != nil && *m.PostHash == h) {
			m.State = types.StateObliteratedRef
		}
	}
}
