package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/reporting/pkg/clickhouse"
	"github.com/malbeclabs/clearing/reporting/pkg/metrics"
)

const DefaultBatchSize = 10_000

type SyncerConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Pool         *pgxpool.Pool
	ClickHouse   clickhouse.Client
	SyncInterval time.Duration

	// BatchSize caps rows per insert batch. Defaults to DefaultBatchSize.
	BatchSize int
}

func (cfg *SyncerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("sync interval must be greater than 0")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Syncer copies the settlement ledger into ClickHouse on an interval.
// Append-only tables advance a timestamp cursor; mutable tables re-pull
// whole. Cursors resume from the fact tables after a restart.
type Syncer struct {
	log    *slog.Logger
	cfg    SyncerConfig
	source *Source
	store  *Store

	syncMu sync.Mutex

	receiptCursor time.Time
	claimCursor   time.Time
	payoutCursor  time.Time
	cursorsLoaded bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source, err := NewSource(SourceConfig{
		Logger: cfg.Logger,
		Pool:   cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	store, err := NewStore(StoreConfig{
		Logger:     cfg.Logger,
		ClickHouse: cfg.ClickHouse,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Syncer{
		log:     cfg.Logger,
		cfg:     cfg,
		source:  source,
		store:   store,
		readyCh: make(chan struct{}),
	}, nil
}

func (s *Syncer) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

func (s *Syncer) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for facts sync: %w", ctx.Err())
	}
}

func (s *Syncer) Start(ctx context.Context) {
	go func() {
		s.log.Info("facts: starting sync loop", "interval", s.cfg.SyncInterval)

		s.safeSync(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeSync(ctx)
			}
		}
	}()
}

func (s *Syncer) safeSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("facts: sync panicked", "panic", r)
			metrics.SyncTotal.WithLabelValues("facts", "panic").Inc()
		}
	}()

	if err := s.Sync(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("facts: sync failed", "error", err)
	}
}

// Sync runs one full copy pass. Safe to call concurrently with the ticker
// loop; passes serialize.
func (s *Syncer) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := time.Now()
	defer func() {
		duration := time.Since(start)
		s.log.Info("facts: sync completed", "duration", duration.String())
		metrics.SyncDuration.WithLabelValues("facts").Observe(duration.Seconds())
	}()

	if !s.cursorsLoaded {
		if err := s.loadCursors(ctx); err != nil {
			metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
			return fmt.Errorf("failed to load cursors: %w", err)
		}
		s.cursorsLoaded = true
	}

	// Reads must see rows inserted earlier in the same pass, and the
	// subsequent cursor resume depends on inserts having landed.
	ctx = clickhouse.ContextWithSyncInsert(ctx)

	n, err := s.syncReceipts(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to sync receipts: %w", err)
	}
	metrics.SyncedRowsTotal.WithLabelValues("fact_receipts").Add(float64(n))

	n, err = s.syncClaims(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to sync claims: %w", err)
	}
	metrics.SyncedRowsTotal.WithLabelValues("fact_claims").Add(float64(n))

	n, err = s.syncPayouts(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to sync payouts: %w", err)
	}
	metrics.SyncedRowsTotal.WithLabelValues("fact_payouts").Add(float64(n))

	attestations, err := s.source.Attestations(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to read attestations: %w", err)
	}
	if err := s.store.ReplaceAttestations(ctx, attestations); err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to sync attestations: %w", err)
	}
	metrics.SyncedRowsTotal.WithLabelValues("fact_attestations").Add(float64(len(attestations)))

	epochs, err := s.source.Epochs(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to read epochs: %w", err)
	}
	if err := s.store.ReplaceEpochs(ctx, epochs); err != nil {
		metrics.SyncTotal.WithLabelValues("facts", "error").Inc()
		return fmt.Errorf("failed to sync epochs: %w", err)
	}
	metrics.SyncedRowsTotal.WithLabelValues("dim_epochs").Add(float64(len(epochs)))

	metrics.SyncTotal.WithLabelValues("facts", "success").Inc()
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
	return nil
}

func (s *Syncer) loadCursors(ctx context.Context) error {
	var err error
	if s.receiptCursor, err = s.store.LatestReceiptRecordedAt(ctx); err != nil {
		return err
	}
	if s.claimCursor, err = s.store.LatestClaimAt(ctx); err != nil {
		return err
	}
	if s.payoutCursor, err = s.store.LatestPayoutAt(ctx); err != nil {
		return err
	}
	s.log.Debug("facts: cursors loaded",
		"receipts", s.receiptCursor,
		"claims", s.claimCursor,
		"payouts", s.payoutCursor,
	)
	return nil
}

func (s *Syncer) syncReceipts(ctx context.Context) (int, error) {
	total := 0
	limit := s.cfg.BatchSize
	for {
		rows, err := s.source.ReceiptsSince(ctx, s.receiptCursor, limit)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		if err := s.store.InsertReceipts(ctx, rows); err != nil {
			return total, err
		}
		total += len(rows)

		next := rows[len(rows)-1].RecordedAt
		advanced := next.After(s.receiptCursor)
		s.receiptCursor = next
		if len(rows) < limit {
			return total, nil
		}
		// A full page sharing one timestamp cannot advance the cursor;
		// widen the page until it can. The re-pulled rows collapse in the
		// replacing merge engine.
		if !advanced {
			limit *= 2
			continue
		}
		limit = s.cfg.BatchSize
	}
}

func (s *Syncer) syncClaims(ctx context.Context) (int, error) {
	total := 0
	limit := s.cfg.BatchSize
	for {
		rows, err := s.source.ClaimsSince(ctx, s.claimCursor, limit)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		if err := s.store.InsertClaims(ctx, rows); err != nil {
			return total, err
		}
		total += len(rows)

		next := rows[len(rows)-1].ClaimedAt
		advanced := next.After(s.claimCursor)
		s.claimCursor = next
		if len(rows) < limit {
			return total, nil
		}
		if !advanced {
			limit *= 2
			continue
		}
		limit = s.cfg.BatchSize
	}
}

func (s *Syncer) syncPayouts(ctx context.Context) (int, error) {
	total := 0
	limit := s.cfg.BatchSize
	for {
		rows, err := s.source.PayoutsSince(ctx, s.payoutCursor, limit)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		if err := s.store.InsertPayouts(ctx, rows); err != nil {
			return total, err
		}
		total += len(rows)

		next := rows[len(rows)-1].CreatedAt
		advanced := next.After(s.payoutCursor)
		s.payoutCursor = next
		if len(rows) < limit {
			return total, nil
		}
		if !advanced {
			limit *= 2
			continue
		}
		limit = s.cfg.BatchSize
	}
}
