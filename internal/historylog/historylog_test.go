package historylog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/januskey/januskey/pkg/types"
)

func digest(b byte) *types.Digest {
	var d types.Digest
	d[0] = b
	return &d
}

func TestAppendAndReopenReplaysRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")

	log, records, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records on first open, got %d", len(records))
	}

	preSize := int64(5)
	meta := types.OperationMetadata{
		ID:            1,
		Kind:          types.OpModify,
		Timestamp:     time.Unix(1700000000, 0),
		PrimaryPath:   "a/b.txt",
		SecondaryPath: "",
		PreHash:       digest(0xAA),
		PostHash:      digest(0xBB),
		PreMetadata: &types.FileMetadata{
			Mode: 0644, UID: 1000, GID: 1000, Size: 5,
			ModTime: time.Unix(1699999999, 0),
		},
		PreSize: &preSize,
	}
	if err := log.Append(meta); err != nil {
		t.Fatalf("Append: %v", err)
	}

	moveMeta := types.OperationMetadata{
		ID:            2,
		Kind:          types.OpMove,
		Timestamp:     time.Unix(1700000001, 0),
		PrimaryPath:   "a/b.txt",
		SecondaryPath: "a/c.txt",
	}
	if err := log.Append(moveMeta); err != nil {
		t.Fatalf("Append move: %v", err)
	}

	if err := log.AppendTombstone(3, 1); err != nil {
		t.Fatalf("AppendTombstone: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, replayed, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(replayed) != 3 {
		t.Fatalf("expected 3 replayed records, got %d", len(replayed))
	}

	first := replayed[0]
	if first.ID != 1 || first.Kind != types.OpModify || first.PrimaryPath != "a/b.txt" {
		t.Errorf("unexpected first record: %+v", first)
	}
	if first.PreHash == nil || *first.PreHash != *meta.PreHash {
		t.Error("pre hash did not round-trip")
	}
	if first.PostHash == nil || *first.PostHash != *meta.PostHash {
		t.Error("post hash did not round-trip")
	}
	if first.PreMetadata == nil || first.PreMetadata.Mode != 0644 || first.PreMetadata.UID != 1000 {
		t.Errorf("pre metadata did not round-trip: %+v", first.PreMetadata)
	}
	if first.PreSize == nil || *first.PreSize != preSize {
		t.Error("pre size did not round-trip")
	}

	second := replayed[1]
	if second.Kind != types.OpMove || second.SecondaryPath != "a/c.txt" {
		t.Errorf("unexpected second record: %+v", second)
	}

	third := replayed[2]
	if !third.Tombstone || third.ID != 3 || third.Ref != 1 {
		t.Errorf("unexpected tombstone record: %+v", third)
	}
}

func TestOpenMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.log")

	log, records, err := Open(path)
	if err != nil {
		t.Fatalf("Open on missing file returned error: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records, got %v", records)
	}
	if log == nil {
		t.Fatal("expected a usable log handle")
	}
	log.Close()
}

func TestAppendRecordWithNoOptionalFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")

	log, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	meta := types.OperationMetadata{
		ID:          9,
		Kind:        types.OpMkdir,
		Timestamp:   time.Unix(1700000002, 0),
		PrimaryPath: "a/dir",
	}
	if err := log.Append(meta); err != nil {
		t.Fatalf("Append: %v", err)
	}
	log.Close()

	_, records, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Tombstone {
		t.Error("did not expect a tombstone")
	}
	if r.PreHash != nil || r.PostHash != nil || r.PreMetadata != nil || r.PreSize != nil || r.SecondaryPath != "" {
		t.Errorf("expected all optional fields absent, got %+v", r)
	}
	if r.Kind != types.OpMkdir || r.PrimaryPath != "a/dir" {
		t.Errorf("unexpected record: %+v", r)
	}
}
