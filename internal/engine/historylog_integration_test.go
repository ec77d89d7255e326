package engine

import (
	"context"
	"testing"
	"time"

	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/historylog"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/store"
	"github.com/januskey/januskey/pkg/types"
)

func newTestEngineWithHistoryLog(t *testing.T, path string) (*Engine, *historylog.Log, []historylog.Record) {
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
	hl, records, err := historylog.Open(path)
	if err != nil {
		t.Fatalf("historylog.Open: %v", err)
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := New(model, st, log, WithClock(clock), WithHistoryLog(hl))
	return e, hl, records
}

func TestApplyAppendsToHistoryLog(t *testing.T) {
	path := t.TempDir() + "/history.log"
	e, hl, _ := newTestEngineWithHistoryLog(t, path)
	ctx := context.Background()

	if _, err := e.ApplyCreate(ctx, "a.txt", []byte("hi"), types.DefaultFileMetadata()); err != nil {
		t.Fatalf("ApplyCreate: %v", err)
	}
	hl.Close()

	_, records, err := historylog.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record in the persistent log, got %d", len(records))
	}
	if records[0].Kind != types.OpCreate || records[0].PrimaryPath != "a.txt" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestUndoAppendsTombstoneToHistoryLog(t *testing.T) {
	path := t.TempDir() + "/history.log"
	e, hl, _ := newTestEngineWithHistoryLog(t, path)
	ctx := context.Background()

	meta, err := e.ApplyCreate(ctx, "a.txt", []byte("hi"), types.DefaultFileMetadata())
	if err != nil {
		t.Fatalf("ApplyCreate: %v", err)
	}
	if err := e.Undo(ctx, meta); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	hl.Close()

	_, records, err := historylog.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records (create + tombstone), got %d", len(records))
	}
	if !records[1].Tombstone || records[1].Ref != meta.ID {
		t.Errorf("expected a tombstone referencing %d, got %+v", meta.ID, records[1])
	}
}

func TestSeedReconstructsHistoryFromReplayedRecords(t *testing.T) {
	path := t.TempDir() + "/history.log"
	e1, hl1, _ := newTestEngineWithHistoryLog(t, path)
	ctx := context.Background()

	meta, err := e1.ApplyCreate(ctx, "a.txt", []byte("hi"), types.DefaultFileMetadata())
	if err != nil {
		t.Fatalf("ApplyCreate: %v", err)
	}
	if _, err := e1.ApplyMkdir("dir", types.DefaultFileMetadata()); err != nil {
		t.Fatalf("ApplyMkdir: %v", err)
	}
	if err := e1.Undo(ctx, meta); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	hl1.Close()

	_, records, err := historylog.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	log := logging.NewStdout(logging.ERROR, "test")
	st, _ := store.New(t.TempDir()+"/store2", 2, log)
	model, _ := fsmodel.New(t.TempDir()+"/tree2", st, log)
	e2 := New(model, st, log)
	e2.Seed(records)

	history := e2.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 reconstructed records, got %d", len(history))
	}
	if history[0].State != types.StateUndone {
		t.Errorf("expected create record to be marked Undone after seeding, got %v", history[0].State)
	}
	if history[1].State != types.StateApplied {
		t.Errorf("expected mkdir record to remain Applied, got %v", history[1].State)
	}
	if e2.nextOpID() <= records[len(records)-1].ID {
		t.Error("expected id sequence to continue past the highest seen id, including the tombstone's own id")
	}
}
