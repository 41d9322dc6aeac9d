//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package history

import "context"

// Store is the persistence contract consumed by the Service.
type Store interface {
	// Append durably writes one message.
	Append(ctx context.Context, msg Message) error
	// Recent returns up to limit messages, newest first.
	Recent(ctx context.Context, limit int) ([]Message, error)
	// Sample returns up to limit messages with no ordering guarantee.
	Sample(ctx context.Context, limit int) ([]Message, error)
	Close() error
}
