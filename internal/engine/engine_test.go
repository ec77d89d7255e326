package engine

import (
	"context"
	"testing"
	"time"

	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/hash"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/store"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// fakeClock advances by one second per call, avoiding the forbidden
// time.Now()/Date.now()-style nondeterminism in generated timestamps.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := logging.NewStdout(logging.ERROR, "test")
	st, err := store.New(t.TempDir()+"/store", 2, log)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	model, err := fsmodel.New(t.TempDir()+"/tree", st, log)
	if err != nil {
		t.Fatalf("fsmodel.New: %v", err)
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	return New(model, st, log, WithClock(clock))
}

func (e *Engine) mustContent(t *testing.T, path string) string {
	t.Helper()
	b, err := e.model.GetContent(context.Background(), path)
	if err != nil {
		t.Fatalf("GetContent(%s): %v", path, err)
	}
	return string(b)
}

// Scenario a: delete/undo.
func TestScenarioDeleteUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("hello"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}

	meta, err := e.ApplyDelete(ctx, "a.txt")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if e.model.Exists("a.txt") {
		t.Error("a.txt should not exist after delete")
	}
	if !e.store.Exists(hash.Sum([]byte("hello"))) {
		t.Error("content store should retain hash(hello) after delete")
	}

	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if e.mustContent(t, "a.txt") != "hello" {
		t.Error("expected a.txt restored to hello")
	}

	hist := e.History()
	if len(hist) != 2 || hist[1].State != types.StateUndone {
		t.Errorf("expected delete record marked undone, got %+v", hist)
	}
}

// Scenario b: modify/undo.
func TestScenarioModifyUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "c.txt", []byte("v1"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyModify(ctx, "c.txt", []byte("v2"))
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if e.mustContent(t, "c.txt") != "v2" {
		t.Error("expected v2 after modify")
	}
	if !e.store.Exists(hash.Sum([]byte("v1"))) {
		t.Error("store should retain hash(v1) after modify")
	}

	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if e.mustContent(t, "c.txt") != "v1" {
		t.Error("expected v1 after undo")
	}
}

// Scenario c: move/undo.
func TestScenarioMoveUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "x", []byte("data"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyMove(ctx, "x", "y")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if e.model.Exists("x") || !e.model.Exists("y") {
		t.Fatal("expected x gone and y present after move")
	}
	yHash, err := e.model.GetHash("y")
	if err != nil || yHash != hash.Sum([]byte("data")) {
		t.Errorf("expected y to have hash(data), got %v err=%v", yHash, err)
	}

	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !e.model.Exists("x") || e.model.Exists("y") {
		t.Error("expected x restored and y gone after undo")
	}
}

// Scenario d: transaction rollback.
func TestScenarioTransactionRollback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("a-orig"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := e.ApplyCreate(ctx, "b.txt", []byte("b-orig"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create b: %v", err)
	}

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := e.ApplyDelete(ctx, "a.txt"); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if _, err := e.ApplyModify(ctx, "b.txt", []byte("new")); err != nil {
		t.Fatalf("modify b: %v", err)
	}
	if _, err := e.ApplyCreate(ctx, "c.txt", []byte("x"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create c: %v", err)
	}

	if err := e.Rollback(ctx, tx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if e.mustContent(t, "a.txt") != "a-orig" {
		t.Error("expected a.txt restored")
	}
	if e.mustContent(t, "b.txt") != "b-orig" {
		t.Error("expected b.txt restored")
	}
	if e.model.Exists("c.txt") {
		t.Error("expected c.txt absent after rollback")
	}
}

// Scenario e: obliterate blocks undo.
func TestScenarioObliterateBlocksUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "s.txt", []byte("secret"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyDelete(ctx, "s.txt")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	h := hash.Sum([]byte("secret"))
	if _, err := e.store.SecureOverwrite(ctx, h, 3); err != nil {
		t.Fatalf("SecureOverwrite: %v", err)
	}
	e.MarkHashObliterated(h)

	err = e.Undo(ctx, meta)
	if !errors.Is(err, errors.CodeContentUnavailable) {
		t.Errorf("expected ContentUnavailable, got %v", err)
	}
	if e.model.Exists("s.txt") {
		t.Error("s.txt should remain absent")
	}
}

// Scenario f: deduplication.
func TestScenarioDeduplication(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "f1", []byte("payload"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create f1: %v", err)
	}
	if _, err := e.ApplyCreate(ctx, "f2", []byte("payload"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create f2: %v", err)
	}

	h := hash.Sum([]byte("payload"))
	if e.store.RefCount(h) != 2 {
		t.Errorf("expected refcount 2, got %d", e.store.RefCount(h))
	}
}

func TestApplyCreateAlreadyExists(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("x"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := e.ApplyCreate(ctx, "a.txt", []byte("y"), types.DefaultFileMetadata())
	if !errors.Is(err, errors.CodeAlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestApplyDeleteNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ApplyDelete(context.Background(), "nope.txt")
	if !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestAppendUndoIsByteExactTruncate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ApplyCreate(ctx, "log.txt", []byte("line1"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyAppend(ctx, "log.txt", []byte("line2"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.mustContent(t, "log.txt") != "line1line2" {
		t.Fatalf("unexpected content after append: %q", e.mustContent(t, "log.txt"))
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if e.mustContent(t, "log.txt") != "line1" {
		t.Errorf("expected byte-exact truncate back to line1, got %q", e.mustContent(t, "log.txt"))
	}
}

func TestTruncateUndoRestoresFullContent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ApplyCreate(ctx, "f.bin", []byte("0123456789"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyTruncate(ctx, "f.bin", 4)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if e.mustContent(t, "f.bin") != "0123" {
		t.Fatalf("unexpected content after truncate: %q", e.mustContent(t, "f.bin"))
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if e.mustContent(t, "f.bin") != "0123456789" {
		t.Errorf("expected full content restored, got %q", e.mustContent(t, "f.bin"))
	}
}

func TestChmodUndoRestoresMode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("x"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyChmod("a.txt", 0o600)
	if err != nil {
		t.Fatalf("chmod: %v", err)
	}
	got, _ := e.model.GetMetadata("a.txt")
	if got.Mode != 0o600 {
		t.Fatalf("expected mode 0600, got %o", got.Mode)
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	got, _ = e.model.GetMetadata("a.txt")
	if got.Mode != 0o644 {
		t.Errorf("expected mode restored to 0644, got %o", got.Mode)
	}
}

func TestMkdirRmdirUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	meta, err := e.ApplyMkdir("sub", types.DefaultFileMetadata())
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !e.model.Exists("sub") {
		t.Fatal("expected sub to exist")
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo mkdir: %v", err)
	}
	if e.model.Exists("sub") {
		t.Error("expected sub removed after undo")
	}

	if _, err := e.ApplyMkdir("sub", types.DefaultFileMetadata()); err != nil {
		t.Fatalf("mkdir again: %v", err)
	}
	rmMeta, err := e.ApplyRmdir("sub")
	if err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if err := e.Undo(ctx, rmMeta); err != nil {
		t.Fatalf("undo rmdir: %v", err)
	}
	if !e.model.Exists("sub") {
		t.Error("expected sub restored after undoing rmdir")
	}
}

func TestSymlinkUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	meta, err := e.ApplySymlink("link", "target.txt", types.DefaultFileMetadata())
	if err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if !e.model.Exists("link") {
		t.Fatal("expected link to exist")
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if e.model.Exists("link") {
		t.Error("expected link removed after undo")
	}
}

func TestTouchUndoRestoresModTime(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	md := types.DefaultFileMetadata()
	md.ModTime = time.Unix(1600000000, 0) // earlier than the engine's fake clock
	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("x"), md); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := e.model.GetMetadata("a.txt")

	meta, err := e.ApplyTouch("a.txt")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := e.model.GetMetadata("a.txt")
	if !after.ModTime.After(before.ModTime) {
		t.Fatal("expected ModTime to advance after touch")
	}

	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("undo: %v", err)
	}
	restored, _ := e.model.GetMetadata("a.txt")
	if !restored.ModTime.Equal(before.ModTime) {
		t.Errorf("expected ModTime restored to %v, got %v", before.ModTime, restored.ModTime)
	}
}

func TestUndoAlreadyUndoneFails(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("x"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, err := e.ApplyDelete(ctx, "a.txt")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("first undo: %v", err)
	}
	if err := e.Undo(ctx, meta); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected InvalidState on double-undo, got %v", err)
	}
}
