// Package payout defines the payout instructions the core emits for the
// fund-custody collaborator. Instructions are written as outbox rows in the
// same transaction as the state change that pays for them.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Reason string

const (
	ReasonClaim          Reason = "claim"
	ReasonClaimBatch     Reason = "claim_batch"
	ReasonSlashAward     Reason = "slash_award"
	ReasonSlashRefund    Reason = "slash_refund"
	ReasonBondWithdrawal Reason = "bond_withdrawal"
)

// Instruction describes one transfer for the fund-custody collaborator.
// The core never moves funds itself.
type Instruction struct {
	ID        uuid.UUID
	Account   solana.PublicKey
	Token     solana.PublicKey
	Amount    uint64
	Reason    Reason
	EpochIDs  []uint64
	CreatedAt time.Time
}

// New constructs an instruction with a fresh id.
func New(account, token solana.PublicKey, amount uint64, reason Reason, epochIDs []uint64, now time.Time) Instruction {
	return Instruction{
		ID:        uuid.New(),
		Account:   account,
		Token:     token,
		Amount:    amount,
		Reason:    reason,
		EpochIDs:  epochIDs,
		CreatedAt: now,
	}
}

// Insert writes the instruction within the caller's transaction.
func Insert(ctx context.Context, tx pgx.Tx, inst Instruction) error {
	epochIDs := make([]int64, len(inst.EpochIDs))
	for i, id := range inst.EpochIDs {
		epochIDs[i] = int64(id)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO payout_instructions (id, account, token, amount, reason, epoch_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inst.ID, inst.Account.String(), inst.Token.String(), int64(inst.Amount), string(inst.Reason), epochIDs, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout instruction: %w", err)
	}
	return nil
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store reads recorded payout instructions for the API and reporting sync.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// ListByAccount returns an account's instructions, newest first.
func (s *Store) ListByAccount(ctx context.Context, account solana.PublicKey, limit, offset int) ([]Instruction, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id::text, account, token, amount, reason, epoch_ids, created_at
		FROM payout_instructions
		WHERE account = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, account.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout instructions: %w", err)
	}
	defer rows.Close()
	return scanInstructions(rows)
}

// ListSince returns instructions created after the cursor in creation order,
// for incremental reporting sync.
func (s *Store) ListSince(ctx context.Context, after time.Time, limit int) ([]Instruction, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id::text, account, token, amount, reason, epoch_ids, created_at
		FROM payout_instructions
		WHERE created_at > $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout instructions: %w", err)
	}
	defer rows.Close()
	return scanInstructions(rows)
}

func scanInstructions(rows pgx.Rows) ([]Instruction, error) {
	var out []Instruction
	for rows.Next() {
		var inst Instruction
		var id, account, token, reason string
		var amount int64
		var epochIDs []int64
		if err := rows.Scan(&id, &account, &token, &amount, &reason, &epochIDs, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout instruction: %w", err)
		}
		var err error
		if inst.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse payout instruction id %s: %w", id, err)
		}
		if inst.Account, err = solana.PublicKeyFromBase58(account); err != nil {
			return nil, fmt.Errorf("failed to parse account key %s: %w", account, err)
		}
		if inst.Token, err = solana.PublicKeyFromBase58(token); err != nil {
			return nil, fmt.Errorf("failed to parse token key %s: %w", token, err)
		}
		inst.Amount = uint64(amount)
		inst.Reason = Reason(reason)
		inst.EpochIDs = make([]uint64, len(epochIDs))
		for i, e := range epochIDs {
			inst.EpochIDs[i] = uint64(e)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
