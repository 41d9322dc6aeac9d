package transfer

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultJanitorInterval = 5 * time.Minute
	DefaultMaxAge          = 10 * time.Minute
)

// Janitor periodically evicts transfers whose owner went away without a
// disconnect signal.
type Janitor struct {
	assembler *Assembler
	log       *slog.Logger
	interval  time.Duration
	maxAge    time.Duration
	now       func() time.Time
	done      chan struct{}
}

// NewJanitor creates a janitor. Non-positive durations fall back to the
// defaults.
func NewJanitor(log *slog.Logger, assembler *Assembler, interval, maxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Janitor{
		assembler: assembler,
		log:       log,
		interval:  interval,
		maxAge:    maxAge,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.log.Info("Transfer janitor started", "interval", j.interval, "max_age", j.maxAge)

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.Sweep()
			case <-ctx.Done():
				j.log.Info("Transfer janitor stopping")
				close(j.done)
				return
			}
		}
	}()
}

// Wait blocks until the janitor has fully stopped.
func (j *Janitor) Wait() {
	<-j.done
}

// Sweep runs one cycle and returns the number of evicted transfers.
func (j *Janitor) Sweep() (evicted int) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("Recovered from panic in transfer sweep", "panic", r)
			evicted = 0
		}
	}()

	ids := j.assembler.SweepStale(j.now(), j.maxAge)
	if len(ids) == 0 {
		j.log.Debug("No stale transfers to sweep")
		return 0
	}
	j.log.Info("Transfer sweep complete", "evicted", len(ids), "open", j.assembler.Len())
	return len(ids)
}
