package ticket

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Store     Purger
	BatchSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Sweeper removes expired tickets from stores that do not expire keys on
// their own.
type Sweeper struct {
	store     Purger
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

// NewSweeper wires a purger for periodic expiry.
func NewSweeper(opts SweeperOptions) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: opts.Store, batchSize: opts.BatchSize, log: log, now: now}
}

// Sweep performs one pass and returns the number of tickets removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, xerrors.E(xerrors.KindConfig, "ticket.Sweep", "store")
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.Purge(ctx, s.now(), limit)
		total += n
		if err != nil {
			return total, err
		}
		if n < limit {
			return total, nil
		}
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("ticket sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Debug("expired tickets removed", zap.Int("count", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
