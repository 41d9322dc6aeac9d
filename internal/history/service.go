package history

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

const (
	DefaultLimit         = 50
	DefaultFallbackLimit = 20
	DefaultTimeout       = 5 * time.Second
)

// Service records messages best-effort and serves the replay window.
type Service struct {
	store         Store
	log           *slog.Logger
	limit         int
	fallbackLimit int
	timeout       time.Duration
}

// NewService wraps store. Non-positive limits and timeout fall back to the
// defaults.
func NewService(log *slog.Logger, store Store, limit, fallbackLimit int, timeout time.Duration) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if fallbackLimit <= 0 {
		fallbackLimit = DefaultFallbackLimit
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		store:         store,
		log:           log,
		limit:         limit,
		fallbackLimit: fallbackLimit,
		timeout:       timeout,
	}
}

// Record appends msg. Failures are logged and never returned: live delivery
// does not depend on persistence.
func (s *Service) Record(ctx context.Context, msg Message) {
	if err := msg.Validate(); err != nil {
		s.log.Warn("Refusing to persist message", "id", msg.ID, "user", msg.User, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.Append(ctx, msg); err != nil {
		s.log.Error("Error saving message", "id", msg.ID, "user", msg.User, "image", msg.IsImage(), "error", err)
		return
	}
	s.log.Debug("Message saved to database", "id", msg.ID, "image", msg.IsImage())
}

// Replay returns the messages a joining connection should see, oldest first.
// When the ordered query fails it falls back to a smaller unordered sample;
// when that fails too the result is empty. A cancelled ctx ends the replay
// without trying the fallback.
func (s *Service) Replay(ctx context.Context) []Message {
	if ctx.Err() != nil {
		s.log.Debug("Skipping chat history replay", "error", ctx.Err())
		return nil
	}

	recent, err := s.query(ctx, s.store.Recent, s.limit)
	if err == nil {
		slices.Reverse(recent)
		s.log.Info("Loaded chat history", "count", len(recent))
		return recent
	}
	if ctx.Err() != nil {
		s.log.Debug("Chat history replay cancelled", "error", err)
		return nil
	}
	s.log.Error("Error fetching chat history, using fallback", "error", err)

	sample, err := s.query(ctx, s.store.Sample, s.fallbackLimit)
	if err != nil {
		s.log.Error("Fallback history query failed", "error", err)
		return nil
	}
	s.log.Info("Loaded fallback chat history", "count", len(sample))
	return sample
}

func (s *Service) query(ctx context.Context, fetch func(context.Context, int) ([]Message, error), limit int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msgs, err := fetch(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
