// Package admin implements the operator CLI commands. Each command opens
// its own engine over the ledger database and drives the same operations
// settlementd exposes over HTTP; the database is the trust boundary.
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/clearing/settlement/pkg/pg"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// EngineConfig carries the ledger connection and the keys commands act as.
// Operator and Arbiter may stay zero for read-only commands.
type EngineConfig struct {
	ConnStr     string
	RewardToken solana.PublicKey
	Operator    solana.PublicKey
	Arbiter     solana.PublicKey
}

func (cfg EngineConfig) operatorCap() settlement.Capability {
	return settlement.Capability{Actor: cfg.Operator, Role: settlement.RoleOperator}
}

func (cfg EngineConfig) arbiterCap() settlement.Capability {
	return settlement.Capability{Actor: cfg.Arbiter, Role: settlement.RoleArbiter}
}

func openEngine(ctx context.Context, log *slog.Logger, cfg EngineConfig) (*settlement.Engine, *pgxpool.Pool, error) {
	pool, err := pg.NewPool(ctx, log, cfg.ConnStr)
	if err != nil {
		return nil, nil, err
	}

	engineCfg := settlement.Config{
		Logger:      log,
		Pool:        pool,
		RewardToken: cfg.RewardToken,
	}
	if !cfg.Operator.IsZero() {
		engineCfg.Operators = []solana.PublicKey{cfg.Operator}
	}
	if !cfg.Arbiter.IsZero() {
		engineCfg.Arbiters = []solana.PublicKey{cfg.Arbiter}
	}

	engine, err := settlement.New(ctx, engineCfg)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create settlement engine: %w", err)
	}
	return engine, pool, nil
}
