// Package types defines the shared data model described in the core's
// data-model section: content hashes, file metadata, operation metadata,
// transactions, and obliteration records/proofs. Component packages
// (internal/hash, internal/store, internal/fsmodel, internal/engine,
// internal/obliteration) operate on these types; none of them own a
// competing definition.
package types

import "time"

// Digest is an opaque fixed-width content hash. Two contents with equal
// digests are treated as equal (collision-resistance axiom).
type Digest [32]byte

// IsZero reports whether d is the zero digest (never a valid hash output,
// used as an "absent" sentinel distinct from NullHash).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(d)*2)
	for i, b := range d {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// FileMetadata carries the POSIX-ish attributes the core tracks per path.
type FileMetadata struct {
	Mode           uint32    `json:"mode"`
	UID            uint32    `json:"uid"`
	GID            uint32    `json:"gid"`
	Size           int64     `json:"size"`
	ModTime        time.Time `json:"mod_time"`
	IsSymlink      bool      `json:"is_symlink"`
	SymlinkTarget  string    `json:"symlink_target,omitempty"`
}

// Clone returns a deep copy safe to store independently of the receiver.
func (m FileMetadata) Clone() FileMetadata {
	return m
}

// DefaultFileMetadata returns the metadata applied to newly created files
// absent an explicit override.
func DefaultFileMetadata() FileMetadata {
	return FileMetadata{
		Mode:    0o644,
		ModTime: time.Now(),
	}
}

// OperationKind enumerates the mutation kinds the engine can apply.
type OperationKind string

const (
	OpCreate    OperationKind = "create"
	OpDelete    OperationKind = "delete"
	OpModify    OperationKind = "modify"
	OpMove      OperationKind = "move"
	OpCopy      OperationKind = "copy"
	OpChmod     OperationKind = "chmod"
	OpMkdir     OperationKind = "mkdir"
	OpRmdir     OperationKind = "rmdir"
	OpSymlink   OperationKind = "symlink"
	OpAppend    OperationKind = "append"
	OpTruncate  OperationKind = "truncate"
	OpTouch     OperationKind = "touch"
)

// OperationState is the lifecycle state of an applied operation record
// (spec §4.4, "State machine for an operation record").
type OperationState string

const (
	StateApplied        OperationState = "applied"
	StateUndone          OperationState = "undone"
	StateObliteratedRef OperationState = "obliterated_ref"
)

// OperationMetadata is the record an apply_<kind> call emits; it must be
// sufficient, per the table in spec §3, to derive the inverse of the
// mutation it describes.
type OperationMetadata struct {
	ID            uint64         `json:"id"`
	Kind          OperationKind  `json:"kind"`
	Timestamp     time.Time      `json:"timestamp"`
	PrimaryPath   string         `json:"primary_path"`
	SecondaryPath string         `json:"secondary_path,omitempty"`

	PreHash  *Digest `json:"pre_hash,omitempty"`
	PostHash *Digest `json:"post_hash,omitempty"`

	PreMetadata *FileMetadata `json:"pre_metadata,omitempty"`
	PreSize     *int64        `json:"pre_size,omitempty"`

	State OperationState `json:"state"`
}

// Paths returns the primary path and, if present, the secondary path.
// Used by the independence predicate (spec §9).
func (m OperationMetadata) Paths() []string {
	if m.SecondaryPath == "" {
		return []string{m.PrimaryPath}
	}
	return []string{m.PrimaryPath, m.SecondaryPath}
}

// Independent reports whether m and other touch disjoint paths — the
// independence predicate from spec §9, required for commuting undos.
func (m OperationMetadata) Independent(other OperationMetadata) bool {
	for _, p := range m.Paths() {
		for _, q := range other.Paths() {
			if p == q {
				return false
			}
		}
	}
	return true
}

// TransactionID identifies a contiguous sub-sequence of operation history
// grouped under begin/commit/rollback.
type TransactionID string

// Transaction groups operation metadata applied between begin and
// commit/rollback.
type Transaction struct {
	ID  TransactionID        `json:"id"`
	Ops []OperationMetadata `json:"ops"`
}

// ObliterationProof binds a content hash, timestamp, and nonce under a
// commitment hash, attesting to secure-overwrite passes and store
// clearing (spec §3, "Obliteration proof").
type ObliterationProof struct {
	ContentHash     Digest    `json:"content_hash"`
	Timestamp       time.Time `json:"timestamp"`
	Nonce           [16]byte  `json:"nonce"`
	Commitment      Digest    `json:"commitment"`
	OverwritePasses int       `json:"overwrite_passes"`
	StorageCleared  bool      `json:"storage_cleared"`
}

// Valid reports whether the proof satisfies spec §3's validity predicate.
func (p ObliterationProof) Valid() bool {
	return p.StorageCleared && p.OverwritePasses >= MinOverwritePasses
}

// MinOverwritePasses is the DoD 5220.22-M-aligned default minimum
// (spec §4.5).
const MinOverwritePasses = 3

// ObliterationRecord is one append-only audit-log entry.
type ObliterationRecord struct {
	ID          uint64            `json:"id"`
	ContentHash Digest            `json:"content_hash"`
	Timestamp   time.Time         `json:"timestamp"`
	ReasonCode  string            `json:"reason_code"`
	LegalBasis  string            `json:"legal_basis_code"`
	Proof       ObliterationProof `json:"proof"`
}

// ErasureRequest is a GDPR Article 17 erasure request, delegated to
// obliterate (spec §4.5, "GDPR erasure request").
type ErasureRequest struct {
	SubjectID   string    `json:"subject_id"`
	Hash        Digest    `json:"hash"`
	LegalBasis  string    `json:"legal_basis"`
	RequestTime time.Time `json:"request_time"`
}

// StorageStats summarizes content-store capacity and usage, exposed for
// health checks and the out-of-scope status CLI verb.
type StorageStats struct {
	EntryCount    uint64 `json:"entry_count"`
	UsedBytes     uint64 `json:"used_bytes"`
	TombstoneCount uint64 `json:"tombstone_count"`
}

// CacheStats summarizes hot-content cache performance.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int64   `json:"size"`
	Capacity  int64   `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// HealthStatus is the status of one health-checked component.
type HealthStatus struct {
	Status    string            `json:"status"` // "healthy", "degraded", "unhealthy"
	LastCheck time.Time         `json:"last_check"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
