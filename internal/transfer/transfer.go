// Package transfer reassembles chunked image uploads. Senders announce a
// transfer with its chunk count, then stream indexed chunks in any order; the
// Assembler buffers them and hands back the payload exactly once, in index
// order, when the transfer completes.
package transfer

import (
	"bytes"
	"errors"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrInvalidTransfer is returned by Begin for an empty id or a chunk count
	// outside 1..maxChunks.
	ErrInvalidTransfer = errors.New("invalid transfer announcement")
	// ErrUnknownTransfer means the chunk referenced no open transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrChunkOutOfRange means the chunk index is outside 0..totalChunks-1.
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrIncompleteTransfer means a last chunk arrived while slots were still
	// absent and the strict policy abandoned the transfer.
	ErrIncompleteTransfer = errors.New("transfer finalized with missing chunks")
)

// Policy decides what happens when a chunk flagged as last arrives before
// every slot has been filled.
type Policy int

const (
	// Strict abandons the transfer and reports ErrIncompleteTransfer.
	Strict Policy = iota
	// GapFill finalizes anyway; absent slots contribute nothing.
	GapFill
)

func (p Policy) String() string {
	if p == GapFill {
		return "gap-fill"
	}
	return "strict"
}

// Owner identifies the connection that announced a transfer.
type Owner struct {
	ConnID string
	User   string
}

// Transfer is one in-flight upload.
type Transfer struct {
	FileID      string
	TotalChunks int
	Owner       Owner
	CreatedAt   time.Time

	slots    [][]byte
	filled   []bool
	received int
}

func newTransfer(fileID string, totalChunks int, owner Owner, now time.Time) *Transfer {
	return &Transfer{
		FileID:      fileID,
		TotalChunks: totalChunks,
		Owner:       owner,
		CreatedAt:   now,
		slots:       make([][]byte, totalChunks),
		filled:      make([]bool, totalChunks),
	}
}

// put stores chunk at index. A rewrite replaces the previous block.
func (t *Transfer) put(index int, chunk []byte) {
	t.slots[index] = append([]byte(nil), chunk...)
	t.filled[index] = true
	t.received = lo.Count(t.filled, true)
}

// Received returns the number of distinct slots written so far.
func (t *Transfer) Received() int {
	return t.received
}

func (t *Transfer) complete() bool {
	return t.received == t.TotalChunks
}

// assemble concatenates the slots in index order.
func (t *Transfer) assemble() []byte {
	return bytes.Join(t.slots, nil)
}

func (t *Transfer) age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Completed is the result of a finalized transfer. MimeType is sniffed from
// the decoded content; DeclaredType comes from a data URL header, if any.
type Completed struct {
	FileID       string
	Owner        Owner
	Payload      []byte
	MimeType     string
	DeclaredType string
	Chunks       int
}
