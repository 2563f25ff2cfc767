package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/reporting/pkg/facts"
	"github.com/malbeclabs/clearing/reporting/pkg/metrics"
)

type SyncerConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Pool         *pgxpool.Pool
	Client       Client
	SyncInterval time.Duration
}

func (cfg *SyncerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Client == nil {
		return errors.New("neo4j client is required")
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("sync interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Syncer re-aggregates receipts into payer to merchant edges and merges
// them into the graph on an interval. Edges carry absolute totals, so each
// pass converges regardless of what previous passes wrote.
type Syncer struct {
	log    *slog.Logger
	cfg    SyncerConfig
	source *facts.Source
	flow   *FlowStore

	syncMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source, err := facts.NewSource(facts.SourceConfig{
		Logger: cfg.Logger,
		Pool:   cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	flow, err := NewFlowStore(FlowStoreConfig{
		Logger: cfg.Logger,
		Client: cfg.Client,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow store: %w", err)
	}

	return &Syncer{
		log:     cfg.Logger,
		cfg:     cfg,
		source:  source,
		flow:    flow,
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
		return fmt.Errorf("context cancelled while waiting for graph sync: %w", ctx.Err())
	}
}

// Flow exposes the store for query surfaces.
func (s *Syncer) Flow() *FlowStore {
	return s.flow
}

func (s *Syncer) Start(ctx context.Context) {
	go func() {
		s.log.Info("graph: starting sync loop", "interval", s.cfg.SyncInterval)

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
			s.log.Error("graph: sync panicked", "panic", r)
			metrics.SyncTotal.WithLabelValues("graph", "panic").Inc()
		}
	}()

	if err := s.Sync(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("graph: sync failed", "error", err)
	}
}

// Sync runs one aggregation and merge pass. Safe to call concurrently with
// the ticker loop; passes serialize.
func (s *Syncer) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := time.Now()
	defer func() {
		duration := time.Since(start)
		s.log.Info("graph: sync completed", "duration", duration.String())
		metrics.SyncDuration.WithLabelValues("graph").Observe(duration.Seconds())
	}()

	edges, err := s.source.PaymentEdges(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("graph", "error").Inc()
		return fmt.Errorf("failed to aggregate payment edges: %w", err)
	}

	if err := s.flow.MergePayments(ctx, edges); err != nil {
		metrics.SyncTotal.WithLabelValues("graph", "error").Inc()
		return fmt.Errorf("failed to merge payment edges: %w", err)
	}
	metrics.GraphMergesTotal.Add(float64(len(edges)))

	metrics.SyncTotal.WithLabelValues("graph", "success").Inc()
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
	return nil
}
