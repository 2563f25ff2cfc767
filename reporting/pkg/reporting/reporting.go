// Package reporting assembles the analytics side of the clearing system:
// the ClickHouse fact sync and the optional Neo4j flow-graph sync, behind
// one readiness surface.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/reporting/pkg/clickhouse"
	"github.com/malbeclabs/clearing/reporting/pkg/facts"
	"github.com/malbeclabs/clearing/reporting/pkg/graph"
)

const DefaultSyncInterval = time.Minute

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Pool       *pgxpool.Pool
	ClickHouse clickhouse.Client

	// Graph is optional; the flow-graph sync is skipped when nil.
	Graph graph.Client

	SyncInterval time.Duration

	// MigrationsEnable runs the ClickHouse migrations before the first
	// sync.
	MigrationsEnable bool
	MigrationsConfig clickhouse.MigrationConfig
}

func (cfg *Config) Validate() error {
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
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Reporting struct {
	log *slog.Logger
	cfg Config

	facts *facts.Syncer
	graph *graph.Syncer

	startedAt time.Time
}

func New(ctx context.Context, cfg Config) (*Reporting, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.MigrationsEnable {
		if err := clickhouse.RunMigrations(ctx, cfg.Logger, cfg.MigrationsConfig); err != nil {
			return nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
		cfg.Logger.Info("ClickHouse migrations completed")
	}

	factsSyncer, err := facts.NewSyncer(facts.SyncerConfig{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Pool:         cfg.Pool,
		ClickHouse:   cfg.ClickHouse,
		SyncInterval: cfg.SyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create facts syncer: %w", err)
	}

	var graphSyncer *graph.Syncer
	if cfg.Graph != nil {
		if err := graph.InitializeSchema(ctx, cfg.Logger, cfg.Graph); err != nil {
			return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
		}
		graphSyncer, err = graph.NewSyncer(graph.SyncerConfig{
			Logger:       cfg.Logger,
			Clock:        cfg.Clock,
			Pool:         cfg.Pool,
			Client:       cfg.Graph,
			SyncInterval: cfg.SyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create graph syncer: %w", err)
		}
	}

	return &Reporting{
		log:   cfg.Logger,
		cfg:   cfg,
		facts: factsSyncer,
		graph: graphSyncer,
	}, nil
}

func (r *Reporting) Start(ctx context.Context) {
	r.startedAt = r.cfg.Clock.Now()
	r.facts.Start(ctx)
	if r.graph != nil {
		r.graph.Start(ctx)
	}
}

func (r *Reporting) Ready() bool {
	if !r.facts.Ready() {
		return false
	}
	if r.graph != nil && !r.graph.Ready() {
		return false
	}
	return true
}

// Flow exposes the flow-graph store, or nil when the graph sync is
// disabled.
func (r *Reporting) Flow() *graph.FlowStore {
	if r.graph == nil {
		return nil
	}
	return r.graph.Flow()
}

func (r *Reporting) Close() error {
	return nil
}
