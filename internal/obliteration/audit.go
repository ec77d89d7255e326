package obliteration

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// AuditLog is the obliteration subsystem's append-only audit log:
// every successful obliteration appends exactly one record, and no
// record is ever rewritten or removed once appended.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nextID  uint64
	records []types.ObliterationRecord
}

// OpenAuditLog opens (creating if necessary) the audit log at path,
// replaying any existing records to restore in-memory state.
func OpenAuditLog(path string) (*AuditLog, error) {
	existing, err := os.Open(path)
	var records []types.ObliterationRecord
	if err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var rec types.ObliterationRecord
			if jsonErr := json.Unmarshal(scanner.Bytes(), &rec); jsonErr != nil {
				existing.Close()
				return nil, errors.InvalidState("obliteration", "audit log contains a corrupt record").WithContext("path", path)
			}
			records = append(records, rec)
		}
		existing.Close()
		if scanErr := scanner.Err(); scanErr != nil {
			return nil, errors.IoFailure("obliteration", "failed to read audit log", scanErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.IoFailure("obliteration", "failed to open audit log", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.IoFailure("obliteration", "failed to open audit log for append", err)
	}

	var nextID uint64 = 1
	for _, r := range records {
		if r.ID >= nextID {
			nextID = r.ID + 1
		}
	}

	return &AuditLog{path: path, file: f, nextID: nextID, records: records}, nil
}

// Append adds record to the log, assigning it the next monotonic id.
// The caller receives the assigned id via the returned record copy.
func (a *AuditLog) Append(record types.ObliterationRecord) (types.ObliterationRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record.ID = a.nextID
	a.nextID++

	line, err := json.Marshal(record)
	if err != nil {
		return types.ObliterationRecord{}, errors.IoFailure("obliteration", "failed to encode audit record", err)
	}
	line = append(line, '\n')
	if _, err := a.file.Write(line); err != nil {
		return types.ObliterationRecord{}, errors.IoFailure("obliteration", "failed to append audit record", err)
	}
	if err := a.file.Sync(); err != nil {
		return types.ObliterationRecord{}, errors.IoFailure("obliteration", "failed to sync audit log", err)
	}

	a.records = append(a.records, record)
	return record, nil
}

// All returns a snapshot copy of every record appended so far.
func (a *AuditLog) All() []types.ObliterationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.ObliterationRecord, len(a.records))
	copy(out, a.records)
	return out
}

// FindByHash returns the most recent record for h, if any.
func (a *AuditLog) FindByHash(h types.Digest) (types.ObliterationRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.records) - 1; i >= 0; i-- {
		if a.records[i].ContentHash == h {
			return a.records[i], true
		}
	}
	return types.ObliterationRecord{}, false
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
