package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/beechat/internal/history"
	"github.com/dgraph-io/badger/v4"
)

const messagePrefix = "msg:"

// BadgerStore persists messages in BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadgerStore opens (or creates) a badger database under dir.
func OpenBadgerStore(dir string, log *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return NewBadgerStore(db, log), nil
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

// messageKey is "msg:{timestamp_padded}:{uuid}". The 19-digit zero padding
// keeps lexicographic key order chronological; the uuid separates messages
// stamped with the same nanosecond.
func messageKey(msg history.Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", messagePrefix, msg.Timestamp.UnixNano(), msg.ID))
}

func (s *BadgerStore) Append(ctx context.Context, msg history.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), value)
	})
}

// Recent walks the prefix backwards from its upper bound, so messages come
// out newest first.
func (s *BadgerStore) Recent(ctx context.Context, limit int) ([]history.Message, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	seek := append([]byte(messagePrefix), 0xFF)
	return s.scan(ctx, opts, seek, limit)
}

// Sample walks the prefix forwards. Callers must not rely on the order.
func (s *BadgerStore) Sample(ctx context.Context, limit int) ([]history.Message, error) {
	return s.scan(ctx, badger.DefaultIteratorOptions, []byte(messagePrefix), limit)
}

func (s *BadgerStore) scan(ctx context.Context, opts badger.IteratorOptions, seek []byte, limit int) ([]history.Message, error) {
	prefix := []byte(messagePrefix)
	var out []history.Message

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(out) == limit {
				s.log.Debug("Maximum of messages reached", "limit", limit)
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg history.Message
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &msg)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
