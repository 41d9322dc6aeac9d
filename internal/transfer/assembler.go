package transfer

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultMaxChunks bounds the slot table a single announcement can allocate.
const DefaultMaxChunks = 10000

// Option configures an Assembler.
type Option func(*Assembler)

// WithPolicy sets the premature-last policy.
func WithPolicy(p Policy) Option {
	return func(a *Assembler) { a.policy = p }
}

// WithMaxChunks caps totalChunks accepted by Begin.
func WithMaxChunks(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxChunks = n
		}
	}
}

// WithClock replaces time.Now as the source of CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// Assembler owns every in-flight transfer, keyed by file id. All methods are
// safe for concurrent use; mutations are serialized by a single mutex.
type Assembler struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	log       *slog.Logger
	policy    Policy
	maxChunks int
	now       func() time.Time
}

// NewAssembler creates an empty assembler.
func NewAssembler(log *slog.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		transfers: make(map[string]*Transfer),
		log:       log,
		policy:    Strict,
		maxChunks: DefaultMaxChunks,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Begin opens a transfer. An open transfer with the same id is replaced and
// its partial progress discarded.
func (a *Assembler) Begin(fileID string, totalChunks int, owner Owner) error {
	if fileID == "" || totalChunks <= 0 || totalChunks > a.maxChunks {
		a.log.Warn("Rejected transfer announcement",
			"file_id", fileID, "total_chunks", totalChunks, "max_chunks", a.maxChunks, "conn_id", owner.ConnID)
		return fmt.Errorf("%w: file %q with %d chunks", ErrInvalidTransfer, fileID, totalChunks)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.transfers[fileID]; ok {
		a.log.Warn("Replacing open transfer",
			"file_id", fileID, "discarded_chunks", prev.Received(), "previous_owner", prev.Owner.ConnID)
	}
	a.transfers[fileID] = newTransfer(fileID, totalChunks, owner, a.now())
	a.log.Info("Starting image transfer", "file_id", fileID, "total_chunks", totalChunks, "user", owner.User)
	return nil
}

// AddChunk writes one chunk. It returns a non-nil Completed exactly once per
// transfer, on the chunk that finalizes it; the transfer is removed at that
// point. Chunks for unknown ids and out-of-range indices are dropped.
func (a *Assembler) AddChunk(fileID string, index int, chunk []byte, last bool) (*Completed, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[fileID]
	if !ok {
		a.log.Warn("Received chunk for unknown transfer", "file_id", fileID, "chunk_index", index)
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	if index < 0 || index >= t.TotalChunks {
		a.log.Warn("Dropping out-of-range chunk",
			"file_id", fileID, "chunk_index", index, "total_chunks", t.TotalChunks)
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrChunkOutOfRange, index, t.TotalChunks)
	}

	t.put(index, chunk)
	a.log.Debug("Received chunk", "file_id", fileID, "chunk_index", index,
		"received", t.Received(), "total_chunks", t.TotalChunks)

	if !t.complete() && !last {
		return nil, nil
	}

	delete(a.transfers, fileID)

	if !t.complete() && a.policy == Strict {
		a.log.Warn("Abandoning transfer finalized with missing chunks",
			"file_id", fileID, "received", t.Received(), "total_chunks", t.TotalChunks)
		return nil, fmt.Errorf("%w: %s has %d/%d chunks", ErrIncompleteTransfer, fileID, t.Received(), t.TotalChunks)
	}

	payload := t.assemble()
	detected, declared := sniffContent(payload)
	done := &Completed{
		FileID:       fileID,
		Owner:        t.Owner,
		Payload:      payload,
		MimeType:     detected.String(),
		DeclaredType: declared,
		Chunks:       t.TotalChunks,
	}
	if !matchesDeclared(detected, declared) {
		a.log.Warn("Image content does not match declared type",
			"file_id", fileID, "declared", declared, "detected", done.MimeType)
	}
	a.log.Info("Image transfer complete",
		"file_id", fileID, "bytes", len(payload), "mime", done.MimeType, "gaps", t.TotalChunks-t.Received())
	return done, nil
}

// Abandon removes every open transfer owned by connID and returns their ids.
func (a *Assembler) Abandon(connID string) []string {
	return a.evict(func(t *Transfer) bool { return t.Owner.ConnID == connID }, "owner disconnected")
}

// SweepStale removes every open transfer created more than maxAge before now.
func (a *Assembler) SweepStale(now time.Time, maxAge time.Duration) []string {
	return a.evict(func(t *Transfer) bool { return t.age(now) > maxAge }, "stale")
}

func (a *Assembler) evict(match func(*Transfer) bool, reason string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := lo.Keys(lo.PickBy(a.transfers, func(_ string, t *Transfer) bool { return match(t) }))
	slices.Sort(ids)
	for _, id := range ids {
		t := a.transfers[id]
		delete(a.transfers, id)
		a.log.Info("Abandoned transfer", "file_id", id, "reason", reason,
			"received", t.Received(), "total_chunks", t.TotalChunks)
	}
	return ids
}

// Len returns the number of open transfers.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

// Lookup returns a copy of the open transfer's header, if any.
func (a *Assembler) Lookup(fileID string) (Transfer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transfers[fileID]
	if !ok {
		return Transfer{}, false
	}
	return Transfer{
		FileID:      t.FileID,
		TotalChunks: t.TotalChunks,
		Owner:       t.Owner,
		CreatedAt:   t.CreatedAt,
		received:    t.received,
	}, true
}
