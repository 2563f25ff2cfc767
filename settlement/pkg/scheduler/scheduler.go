// Package scheduler watches the epoch clock and settles ended epochs.
//
// In auto-settle mode an ended epoch is distributed, committed, finalized,
// advanced, and archived in one run. Without auto-settle the scheduler only
// announces the ended epoch once and leaves settlement to an operator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/settlement/pkg/archive"
	"github.com/malbeclabs/clearing/settlement/pkg/distribute"
	"github.com/malbeclabs/clearing/settlement/pkg/epoch"
	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/notify"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

const DefaultCheckInterval = time.Minute

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Engine   *settlement.Engine
	Operator settlement.Capability

	// AutoSettle settles ended epochs without operator involvement. FeePool
	// is required when set; Archive is optional and skips the publish step
	// when nil.
	AutoSettle bool
	FeePool    *distribute.FeePool
	Archive    *archive.Store

	// Sinks receive the epoch-ended announcement when auto-settle is off.
	Sinks []notify.Sink

	CheckInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.AutoSettle && cfg.FeePool == nil {
		return errors.New("fee pool is required for auto-settle")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config

	checkMu   sync.Mutex
	announced uint64
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting epoch watch loop", "interval", s.cfg.CheckInterval, "auto_settle", s.cfg.AutoSettle)

		s.safeCheck(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeCheck(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: check panicked", "panic", r)
		}
	}()

	if err := s.Check(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("scheduler: check failed", "error", err)
	}
}

// Check inspects the current epoch and acts if it has ended. Safe to call
// concurrently with the ticker loop; checks serialize.
func (s *Scheduler) Check(ctx context.Context) error {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	ended, err := s.cfg.Engine.CanAdvance(ctx)
	if err != nil {
		return fmt.Errorf("failed to check epoch end: %w", err)
	}
	if !ended {
		return nil
	}

	cur, err := s.cfg.Engine.CurrentEpoch(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current epoch: %w", err)
	}

	if !s.cfg.AutoSettle {
		s.announce(ctx, cur)
		return nil
	}
	return s.settle(ctx, cur)
}

// announce notifies the sinks that an epoch ended and is waiting for an
// operator, once per epoch.
func (s *Scheduler) announce(ctx context.Context, cur *epoch.EpochRecord) {
	if cur.ID == s.announced {
		return
	}
	s.announced = cur.ID

	s.log.Info("scheduler: epoch ended, awaiting finalization", "epoch_id", cur.ID, "end_time", cur.EndTime)

	ev := settlement.Event{
		Type:    settlement.EventEpochEnded,
		At:      s.cfg.Clock.Now().UTC(),
		EpochID: cur.ID,
	}
	for _, sink := range s.cfg.Sinks {
		if err := sink.Notify(ctx, ev); err != nil {
			s.log.Error("scheduler: sink delivery failed", "type", ev.Type, "error", err)
		}
	}
}

// settle runs the full pipeline for an ended epoch: build the fee
// distribution, commit it, finalize, advance, publish. Finalize and advance
// are one-shot at the store level, so a run interrupted between steps picks
// up where it left off on the next tick.
func (s *Scheduler) settle(ctx context.Context, cur *epoch.EpochRecord) (err error) {
	span := sentry.StartSpan(ctx, "scheduler.settle", sentry.WithDescription(fmt.Sprintf("epoch %d", cur.ID)))
	span.SetData("epoch_id", cur.ID)
	span.SetData("finalized", cur.Finalized)
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.SettlementRunDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	token := s.cfg.Engine.RewardToken()

	var c *merkle.Commitment
	if !cur.Finalized {
		totals, err := s.cfg.Engine.AccountTotals(ctx, cur.ID, token)
		if err != nil {
			return fmt.Errorf("failed to load account totals for epoch %d: %w", cur.ID, err)
		}
		entries, err := s.cfg.FeePool.BuildEntries(cur.ID, totals, distribute.TotalFees(totals))
		if err != nil {
			return fmt.Errorf("failed to build distribution for epoch %d: %w", cur.ID, err)
		}
		c, err = merkle.Build(entries)
		if err != nil {
			return fmt.Errorf("failed to build commitment for epoch %d: %w", cur.ID, err)
		}

		err = s.cfg.Engine.Finalize(ctx, s.cfg.Operator, cur.ID, c.Root(), uint64(c.EntryCount()), c.Total())
		if err != nil {
			if !errors.Is(err, settlement.ErrAlreadyFinalized) {
				return fmt.Errorf("failed to finalize epoch %d: %w", cur.ID, err)
			}
			// An operator finalized first. Their root wins; ours is discarded.
			c = nil
		}
	}

	next, err := s.cfg.Engine.Advance(ctx, s.cfg.Operator)
	if err != nil {
		return fmt.Errorf("failed to advance past epoch %d: %w", cur.ID, err)
	}
	totalRewards := cur.TotalRewards
	if c != nil {
		totalRewards = c.Total()
	}
	s.log.Info("scheduler: settled epoch", "epoch_id", cur.ID, "next_epoch_id", next.ID, "total_rewards", totalRewards)

	// An externally finalized epoch has no in-memory entry set to prove
	// against; admin distribution publish covers that path.
	if s.cfg.Archive != nil && c != nil {
		doc, err := archive.BuildDocument(cur.ID, token, c)
		if err != nil {
			return fmt.Errorf("failed to build distribution document for epoch %d: %w", cur.ID, err)
		}
		if _, err := s.cfg.Archive.Publish(ctx, doc); err != nil {
			return fmt.Errorf("failed to publish distribution for epoch %d: %w", cur.ID, err)
		}
	}
	return nil
}
