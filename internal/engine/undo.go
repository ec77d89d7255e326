package engine

import (
	"context"

	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/recovery"
	"github.com/januskey/januskey/pkg/types"
)

// sufficient reports whether meta carries the fields spec §3's table
// requires for its kind, independent of whether that content is still
// retrievable.
func sufficient(meta *types.OperationMetadata) bool {
	switch meta.Kind {
	case types.OpCreate:
		return meta.PostHash != nil
	case types.OpDelete:
		return meta.PreHash != nil && meta.PreMetadata != nil
	case types.OpModify:
		return meta.PreHash != nil && meta.PostHash != nil && meta.PreMetadata != nil
	case types.OpMove, types.OpCopy:
		return meta.SecondaryPath != ""
	case types.OpAppend:
		return meta.PreSize != nil
	case types.OpTruncate:
		return meta.PreHash != nil && meta.PreSize != nil
	case types.OpChmod, types.OpTouch:
		return meta.PreMetadata != nil
	case types.OpMkdir, types.OpRmdir, types.OpSymlink:
		return true
	default:
		return false
	}
}

// findByID locates the canonical, mutable history record for id. Undo
// operates on this record rather than the caller's copy so the
// operation-record state machine (Applied/Undone/Obliterated_ref)
// stays authoritative regardless of what the caller passed in.
func (e *Engine) findByID(id uint64) *types.OperationMetadata {
	for _, m := range e.history {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Undo reverses the mutation described by meta. A failed precondition
// leaves the file-system state unchanged: an unknown record fails with
// NotFound, a record already undone with InvalidState, a record whose
// content was obliterated with ContentUnavailable, metadata that is not
// sufficient for its kind with InsufficientMetadata, and required
// content that can no longer be retrieved from the store with
// ContentUnavailable.
func (e *Engine) Undo(ctx context.Context, meta types.OperationMetadata) error {
	_, err := recovery.SafeResult("engine", "undo", func() (struct{}, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return struct{}{}, e.undoLocked(ctx, meta)
	})
	return err
}

func (e *Engine) undoLocked(ctx context.Context, meta types.OperationMetadata) error {
	record := e.findByID(meta.ID)
	if record == nil {
		return errors.NotFound("engine", "operation record not found").WithOperation("undo")
	}

	switch record.State {
	case types.StateObliteratedRef:
		return errors.ContentUnavailable("engine", "operation references obliterated content").WithOperation("undo")
	case types.StateUndone:
		return errors.InvalidState("engine", "operation already undone").WithOperation("undo")
	}

	if !sufficient(record) {
		return errors.InsufficientMetadata("engine", "operation metadata is insufficient for its kind").
			WithOperation("undo").WithContext("kind", string(record.Kind))
	}

	start := e.clock.Now()
	var err error
	switch record.Kind {
	case types.OpCreate:
		err = e.undoCreate(record)
	case types.OpDelete:
		err = e.undoDelete(ctx, record)
	case types.OpModify:
		err = e.undoModify(ctx, record)
	case types.OpMove:
		err = e.undoMove(ctx, record)
	case types.OpCopy:
		err = e.undoCopy(record)
	case types.OpChmod:
		err = e.model.SetMetadata(record.PrimaryPath, *record.PreMetadata)
	case types.OpMkdir:
		err = e.model.Rmdir(record.PrimaryPath)
	case types.OpRmdir:
		meta := types.DefaultFileMetadata()
		if record.PreMetadata != nil {
			meta = *record.PreMetadata
		}
		err = e.model.Mkdir(record.PrimaryPath, meta)
	case types.OpSymlink:
		err = e.model.Remove(record.PrimaryPath)
	case types.OpAppend:
		err = e.undoAppend(ctx, record)
	case types.OpTruncate:
		err = e.undoTruncate(ctx, record)
	case types.OpTouch:
		err = e.model.SetMetadata(record.PrimaryPath, *record.PreMetadata)
	default:
		err = errors.InvalidState("engine", "unknown operation kind").WithOperation("undo")
	}

	e.observeUndo(record.Kind, start, err)
	if err != nil {
		return err
	}
	record.State = types.StateUndone
	if e.historyLog != nil {
		if err := e.historyLog.AppendTombstone(e.nextOpID(), record.ID); err != nil {
			e.log.Error("history log tombstone append failed: %v", err)
		}
	}
	return nil
}

func (e *Engine) undoCreate(record *types.OperationMetadata) error {
	if err := e.model.Remove(record.PrimaryPath); err != nil {
		return err
	}
	e.store.ReleaseRef(*record.PostHash)
	return nil
}

func (e *Engine) undoDelete(ctx context.Context, record *types.OperationMetadata) error {
	content, err := e.store.Retrieve(ctx, *record.PreHash)
	if err != nil {
		return errors.ContentUnavailable("engine", "pre-image content unavailable").
			WithOperation("undo").WithContext("path", record.PrimaryPath)
	}
	_, err = e.model.Set(ctx, record.PrimaryPath, content, *record.PreMetadata)
	return err
}

func (e *Engine) undoModify(ctx context.Context, record *types.OperationMetadata) error {
	content, err := e.store.Retrieve(ctx, *record.PreHash)
	if err != nil {
		return errors.ContentUnavailable("engine", "pre-image content unavailable").
			WithOperation("undo").WithContext("path", record.PrimaryPath)
	}
	if _, err := e.model.Set(ctx, record.PrimaryPath, content, *record.PreMetadata); err != nil {
		return err
	}
	e.store.ReleaseRef(*record.PostHash)
	return nil
}

func (e *Engine) undoMove(ctx context.Context, record *types.OperationMetadata) error {
	dst := record.SecondaryPath
	content, err := e.model.GetContent(ctx, dst)
	if err != nil {
		return errors.ContentUnavailable("engine", "destination content unavailable").
			WithOperation("undo").WithContext("path", dst)
	}
	meta, err := e.model.GetMetadata(dst)
	if err != nil {
		return err
	}
	if _, err := e.model.Set(ctx, record.PrimaryPath, content, meta); err != nil {
		return err
	}
	return e.model.Remove(dst)
}

func (e *Engine) undoCopy(record *types.OperationMetadata) error {
	dst := record.SecondaryPath
	h, err := e.model.GetHash(dst)
	if err != nil {
		return err
	}
	if err := e.model.Remove(dst); err != nil {
		return err
	}
	e.store.ReleaseRef(h)
	return nil
}

func (e *Engine) undoAppend(ctx context.Context, record *types.OperationMetadata) error {
	content, err := e.model.GetContent(ctx, record.PrimaryPath)
	if err != nil {
		return errors.ContentUnavailable("engine", "current content unavailable").
			WithOperation("undo").WithContext("path", record.PrimaryPath)
	}
	meta, err := e.model.GetMetadata(record.PrimaryPath)
	if err != nil {
		return err
	}
	size := *record.PreSize
	if size > int64(len(content)) {
		return errors.InvalidState("engine", "pre_size exceeds current content length").WithOperation("undo")
	}
	_, err = e.model.Set(ctx, record.PrimaryPath, content[:size], meta)
	return err
}

func (e *Engine) undoTruncate(ctx context.Context, record *types.OperationMetadata) error {
	content, err := e.store.Retrieve(ctx, *record.PreHash)
	if err != nil {
		return errors.ContentUnavailable("engine", "pre-image content unavailable").
			WithOperation("undo").WithContext("path", record.PrimaryPath)
	}
	meta, err := e.model.GetMetadata(record.PrimaryPath)
	if err != nil {
		return err
	}
	_, err = e.model.Set(ctx, record.PrimaryPath, content, meta)
	return err
}

// UndoSequence undoes ops in reverse application order, stopping at
// the first failure and leaving already-undone records undone (spec
// §4.4 sequence semantics).
func (e *Engine) UndoSequence(ctx context.Context, ops []types.OperationMetadata) error {
	for i := len(ops) - 1; i >= 0; i-- {
		if err := e.Undo(ctx, ops[i]); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a transaction, failing with Conflict if one is already
// active. Only one transaction may be active at a time (spec §5: a
// caller may hold at most one writer per managed root).
func (e *Engine) Begin() (types.TransactionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txActive {
		return "", errors.Conflict("engine", "a transaction is already active").WithOperation("begin")
	}
	e.activeTx = types.TransactionID(e.clock.Now().Format("20060102T150405.000000000"))
	e.txActive = true
	e.txStartIndex = len(e.history)
	return e.activeTx, nil
}

// Commit freezes the active transaction's sub-sequence with no
// structural effect.
func (e *Engine) Commit(tx types.TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.txActive || e.activeTx != tx {
		return errors.Conflict("engine", "no matching active transaction").WithOperation("commit")
	}
	e.txActive = false
	return nil
}

// Rollback undoes every operation applied since tx began, in reverse
// order.
func (e *Engine) Rollback(ctx context.Context, tx types.TransactionID) error {
	e.mu.Lock()
	if !e.txActive || e.activeTx != tx {
		e.mu.Unlock()
		return errors.Conflict("engine", "no matching active transaction").WithOperation("rollback")
	}
	ops := make([]types.OperationMetadata, 0, len(e.history)-e.txStartIndex)
	for _, m := range e.history[e.txStartIndex:] {
		ops = append(ops, *m)
	}
	e.txActive = false
	e.mu.Unlock()

	return e.UndoSequence(ctx, ops)
}
