// Package obliteration implements one-way, irreversible secure erasure
// of stored content: multi-pass overwrite, a cryptographic proof of
// erasure, and an append-only audit trail, including GDPR Article 17
// erasure requests.
package obliteration

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/januskey/januskey/internal/engine"
	"github.com/januskey/januskey/internal/hash"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/metrics"
	"github.com/januskey/januskey/internal/store"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// Obliterator orthogonally erases content from a store: unlike undo,
// obliteration is one-way and permanently blocks undo of any operation
// that referenced the erased content (spec §4.5).
type Obliterator struct {
	store   *store.Store
	audit   *AuditLog
	engine  *engine.Engine
	clock   engine.Clock
	log     *logging.Logger
	metrics *metrics.Collector

	minPasses      int
	batchConcurrency int
}

// Option configures an Obliterator.
type Option func(*Obliterator)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Obliterator) { o.metrics = m }
}

// WithClock overrides the obliterator's time source, primarily for tests.
func WithClock(c engine.Clock) Option {
	return func(o *Obliterator) { o.clock = c }
}

// WithMinPasses overrides the minimum number of overwrite passes, which
// may never be driven below types.MinOverwritePasses.
func WithMinPasses(passes int) Option {
	return func(o *Obliterator) {
		if passes > types.MinOverwritePasses {
			o.minPasses = passes
		}
	}
}

// WithBatchConcurrency bounds how many obliterations BatchObliterate
// runs concurrently. Default is 4.
func WithBatchConcurrency(n int) Option {
	return func(o *Obliterator) {
		if n > 0 {
			o.batchConcurrency = n
		}
	}
}

// New builds an Obliterator. eng may be nil, in which case obliterated
// hashes are recorded in the audit log but no operation history is
// marked Obliterated_ref (the engine learns of it on its own next undo
// attempt via store.Retrieve failing instead).
func New(st *store.Store, audit *AuditLog, eng *engine.Engine, log *logging.Logger, opts ...Option) *Obliterator {
	o := &Obliterator{
		store:            st,
		audit:            audit,
		engine:           eng,
		clock:            engine.SystemClock{},
		log:              log,
		minPasses:        types.MinOverwritePasses,
		batchConcurrency: 4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Obliterate permanently destroys the content addressed by h: the
// backing bytes are overwritten in place through at least MinOverwritePasses
// passes, the store entry is removed regardless of outstanding reference
// count, a cryptographic proof is produced, and an audit record is
// appended. Any operation record that referenced h is transitioned to
// Obliterated_ref, permanently blocking its undo.
func (o *Obliterator) Obliterate(ctx context.Context, h types.Digest, reasonCode, legalBasis string) (types.ObliterationProof, error) {
	if !o.store.Exists(h) {
		return types.ObliterationProof{}, errors.NotFound("obliteration", "content not found").WithOperation("obliterate")
	}

	result, err := o.store.SecureOverwrite(ctx, h, o.minPasses)
	if err != nil {
		return types.ObliterationProof{}, err
	}

	nonce, err := hash.Nonce()
	if err != nil {
		return types.ObliterationProof{}, errors.IoFailure("obliteration", "failed to generate nonce", err)
	}
	timestamp := o.clock.Now()
	commitment := hash.Commitment(h, nonce, timestamp.UnixNano())

	proof := types.ObliterationProof{
		ContentHash:     h,
		Timestamp:       timestamp,
		Nonce:           nonce,
		Commitment:      commitment,
		OverwritePasses: result.PassesCompleted,
		StorageCleared:  result.StorageCleared,
	}

	record := types.ObliterationRecord{
		ContentHash: h,
		Timestamp:   timestamp,
		ReasonCode:  reasonCode,
		LegalBasis:  legalBasis,
		Proof:       proof,
	}
	if _, err := o.audit.Append(record); err != nil {
		return types.ObliterationProof{}, err
	}

	if o.engine != nil {
		o.engine.MarkHashObliterated(h)
	}
	if o.metrics != nil {
		o.metrics.RecordObliteration(result.PassesCompleted, true)
	}
	o.log.Info("obliterated content hash=%x reason=%s passes=%d", h[:8], reasonCode, result.PassesCompleted)

	return proof, nil
}

// BatchObliterate obliterates every hash in hashes, skipping any hash
// that no longer exists in the store (already obliterated or never
// stored). It is best-effort: a failure on one hash does not roll back
// hashes already obliterated in the same batch, matching the one-way
// nature of obliteration itself. Failures are aggregated for logging
// only; callers inspect successCount/allSucceeded to learn the outcome.
func (o *Obliterator) BatchObliterate(ctx context.Context, hashes []types.Digest, reasonCode, legalBasis string) (successCount int, allSucceeded bool) {
	var attempted int64
	var succeeded int64
	var mu sync.Mutex
	var aggErr error

	p := pool.New().WithMaxGoroutines(o.batchConcurrency)
	for _, h := range hashes {
		h := h
		if !o.store.Exists(h) {
			continue
		}
		atomic.AddInt64(&attempted, 1)
		p.Go(func() {
			if _, err := o.Obliterate(ctx, h, reasonCode, legalBasis); err != nil {
				mu.Lock()
				aggErr = multierr.Append(aggErr, err)
				mu.Unlock()
				return
			}
			atomic.AddInt64(&succeeded, 1)
		})
	}
	p.Wait()

	if aggErr != nil {
		o.log.Warn("batch obliteration had failures: %v", aggErr)
	}

	succ := int(atomic.LoadInt64(&succeeded))
	return succ, succ == int(atomic.LoadInt64(&attempted))
}

// ProcessErasureRequest satisfies a GDPR Article 17 erasure request by
// obliterating the content it names.
func (o *Obliterator) ProcessErasureRequest(ctx context.Context, req types.ErasureRequest) (types.ObliterationProof, error) {
	return o.Obliterate(ctx, req.Hash, req.SubjectID, req.LegalBasis)
}

// VerifyCommitment recomputes proof's commitment from its disclosed
// fields and reports whether it matches, detecting a tampered or
// fabricated proof.
func (o *Obliterator) VerifyCommitment(proof types.ObliterationProof) bool {
	recomputed := hash.Commitment(proof.ContentHash, proof.Nonce, proof.Timestamp.UnixNano())
	return recomputed == proof.Commitment
}

// SatisfiesErasure reports whether req has been fully satisfied: the
// content is absent from the store, an audit record exists for it, and
// that record's proof is structurally valid and its commitment verifies.
func (o *Obliterator) SatisfiesErasure(req types.ErasureRequest) bool {
	if o.store.Exists(req.Hash) {
		return false
	}
	record, ok := o.audit.FindByHash(req.Hash)
	if !ok {
		return false
	}
	return record.Proof.Valid() && o.VerifyCommitment(record.Proof)
}
