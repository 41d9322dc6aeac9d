package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/Tyrowin/beechat/internal/history"
)

// MemoryStore keeps messages in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []history.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, msg history.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Recent returns up to limit messages ordered by timestamp, newest first.
func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]history.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := slices.Clone(m.messages)
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b history.Message) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out[:min(limit, len(out))], nil
}

// Sample returns up to limit messages in insertion order.
func (m *MemoryStore) Sample(ctx context.Context, limit int) ([]history.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.messages[:min(limit, len(m.messages))]), nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *MemoryStore) Close() error { return nil }
