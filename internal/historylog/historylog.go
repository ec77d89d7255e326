// Package historylog implements the operation-history log's persistent
// form (spec §6): a self-describing, append-only binary record per
// applied operation, with undo represented as a tombstone-style
// follow-up record referencing the original id rather than a rewrite.
package historylog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/januskey/januskey/pkg/types"
)

const (
	flagSecondaryPath = 1 << 0
	flagPreHash       = 1 << 1
	flagPostHash      = 1 << 2
	flagPreMetadata   = 1 << 3
	flagPreSize       = 1 << 4
	flagTombstone     = 1 << 5
)

// kindTag maps the shared OperationKind strings to the 1-byte tag the
// persistent record format uses on disk.
var kindTag = map[types.OperationKind]byte{
	types.OpCreate:   1,
	types.OpDelete:   2,
	types.OpModify:   3,
	types.OpMove:     4,
	types.OpCopy:     5,
	types.OpChmod:    6,
	types.OpMkdir:    7,
	types.OpRmdir:    8,
	types.OpSymlink:  9,
	types.OpAppend:   10,
	types.OpTruncate: 11,
	types.OpTouch:    12,
}

var tagKind = func() map[byte]types.OperationKind {
	m := make(map[byte]types.OperationKind, len(kindTag))
	for k, v := range kindTag {
		m[v] = k
	}
	return m
}()

// Record is the persistent form of one operation-history entry, as
// read back off disk. Either it describes an applied operation
// (Tombstone == false) or it is a tombstone marking Ref as undone.
type Record struct {
	ID            uint64
	Kind          types.OperationKind
	Timestamp     time.Time
	PrimaryPath   string
	SecondaryPath string
	PreHash       *types.Digest
	PostHash      *types.Digest
	PreMetadata   *types.FileMetadata
	PreSize       *int64

	Tombstone bool
	Ref       uint64
}

// Log is the append-only binary operation-history log. It is
// write-only from the engine's perspective — replay happens once, at
// Open, to recover any undone state a restart needs to know about.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (creating if absent) the log at path and replays its
// existing records.
func Open(path string) (*Log, []Record, error) {
	records, err := readAll(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("historylog: open %s: %w", path, err)
	}
	return &Log{path: path, file: f}, records, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes one applied-operation record.
func (l *Log) Append(m types.OperationMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(encodeRecord(m)); err != nil {
		return fmt.Errorf("historylog: append: %w", err)
	}
	return l.file.Sync()
}

// AppendTombstone appends a new record, identified by tombstoneID,
// marking ref as undone. The original record at ref is never rewritten.
func (l *Log) AppendTombstone(tombstoneID, ref uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(encodeTombstone(tombstoneID, ref)); err != nil {
		return fmt.Errorf("historylog: append tombstone: %w", err)
	}
	return l.file.Sync()
}

func encodeRecord(m types.OperationMetadata) []byte {
	var flags byte
	if m.SecondaryPath != "" {
		flags |= flagSecondaryPath
	}
	if m.PreHash != nil {
		flags |= flagPreHash
	}
	if m.PostHash != nil {
		flags |= flagPostHash
	}
	if m.PreMetadata != nil {
		flags |= flagPreMetadata
	}
	if m.PreSize != nil {
		flags |= flagPreSize
	}

	buf := make([]byte, 0, 64+len(m.PrimaryPath)+len(m.SecondaryPath))
	buf = appendUint64(buf, m.ID)
	buf = append(buf, kindTag[m.Kind])
	buf = appendUint64(buf, uint64(m.Timestamp.UnixNano()))
	buf = append(buf, flags)
	buf = appendString(buf, m.PrimaryPath)

	if flags&flagSecondaryPath != 0 {
		buf = appendString(buf, m.SecondaryPath)
	}
	if flags&flagPreHash != 0 {
		buf = append(buf, m.PreHash[:]...)
	}
	if flags&flagPostHash != 0 {
		buf = append(buf, m.PostHash[:]...)
	}
	if flags&flagPreMetadata != 0 {
		buf = appendMetadata(buf, *m.PreMetadata)
	}
	if flags&flagPreSize != 0 {
		buf = appendUint64(buf, uint64(*m.PreSize))
	}
	return buf
}

func encodeTombstone(tombstoneID, ref uint64) []byte {
	buf := make([]byte, 0, 26)
	buf = appendUint64(buf, tombstoneID)
	buf = append(buf, 0) // kind tag 0 is never assigned to a real kind
	buf = appendUint64(buf, uint64(time.Now().UnixNano()))
	buf = append(buf, flagTombstone)
	buf = appendUint64(buf, ref)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func appendMetadata(buf []byte, meta types.FileMetadata) []byte {
	buf = appendUint64(buf, uint64(meta.Mode))
	buf = appendUint64(buf, uint64(meta.UID))
	buf = appendUint64(buf, uint64(meta.GID))
	buf = appendUint64(buf, uint64(meta.Size))
	buf = appendUint64(buf, uint64(meta.ModTime.UnixNano()))
	if meta.IsSymlink {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, meta.SymlinkTarget)
	return buf
}

// readAll decodes every record in the log at path, in append order.
// A missing file is not an error: it means the log has no history yet.
func readAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("historylog: open for replay %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []Record
	for {
		rec, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("historylog: corrupt record in %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(r *bufio.Reader) (Record, error) {
	id, err := readUint64(r)
	if err != nil {
		return Record{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	tsNano, err := readUint64(r)
	if err != nil {
		return Record{}, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}

	if flags&flagTombstone != 0 {
		ref, err := readUint64(r)
		if err != nil {
			return Record{}, err
		}
		return Record{ID: id, Tombstone: true, Ref: ref, Timestamp: time.Unix(0, int64(tsNano))}, nil
	}

	primaryPath, err := readString(r)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:          id,
		Kind:        tagKind[kindByte],
		Timestamp:   time.Unix(0, int64(tsNano)),
		PrimaryPath: primaryPath,
	}

	if flags&flagSecondaryPath != 0 {
		rec.SecondaryPath, err = readString(r)
		if err != nil {
			return Record{}, err
		}
	}
	if flags&flagPreHash != 0 {
		var h types.Digest
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return Record{}, err
		}
		rec.PreHash = &h
	}
	if flags&flagPostHash != 0 {
		var h types.Digest
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return Record{}, err
		}
		rec.PostHash = &h
	}
	if flags&flagPreMetadata != 0 {
		meta, err := readMetadata(r)
		if err != nil {
			return Record{}, err
		}
		rec.PreMetadata = &meta
	}
	if flags&flagPreSize != 0 {
		size, err := readUint64(r)
		if err != nil {
			return Record{}, err
		}
		s := int64(size)
		rec.PreSize = &s
	}
	return rec, nil
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readString(r *bufio.Reader) (string, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(tmp[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readMetadata(r *bufio.Reader) (types.FileMetadata, error) {
	mode, err := readUint64(r)
	if err != nil {
		return types.FileMetadata{}, err
	}
	uid, err := readUint64(r)
	if err != nil {
		return types.FileMetadata{}, err
	}
	gid, err := readUint64(r)
	if err != nil {
		return types.FileMetadata{}, err
	}
	size, err := readUint64(r)
	if err != nil {
		return types.FileMetadata{}, err
	}
	modNano, err := readUint64(r)
	if err != nil {
		return types.FileMetadata{}, err
	}
	symlinkByte, err := r.ReadByte()
	if err != nil {
		return types.FileMetadata{}, err
	}
	target, err := readString(r)
	if err != nil {
		return types.FileMetadata{}, err
	}
	return types.FileMetadata{
		Mode:          uint32(mode),
		UID:           uint32(uid),
		GID:           uint32(gid),
		Size:          int64(size),
		ModTime:       time.Unix(0, int64(modNano)),
		IsSymlink:     symlinkByte == 1,
		SymlinkTarget: target,
	}, nil
}
