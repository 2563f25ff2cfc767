// Package claim implements the claim ledger: at-most-once reward claims per
// (epoch, token, account), gated by the recorded merkle commitment, with a
// lifetime cumulative total per (account, token).
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/payout"
)

var (
	ErrAlreadyClaimed = errors.New("claim: already claimed")
	ErrRootNotSet     = errors.New("claim: no commitment for epoch/token")
	ErrInvalidProof   = errors.New("claim: invalid proof")
)

// Entry is one epoch's claim in a batch.
type Entry struct {
	EpochID uint64
	Amount  uint64
	Proof   [][32]byte
}

// Record is a settled claim.
type Record struct {
	EpochID   uint64
	Token     solana.PublicKey
	Account   solana.PublicKey
	Amount    uint64
	ClaimedAt time.Time
}

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

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

// Claim marks (epochID, token, account) claimed, adds amount to the
// account's cumulative total, and emits a payout instruction, all in one
// transaction. Concurrent claims for the same key resolve to exactly one
// winner; the rest fail with ErrAlreadyClaimed.
func (s *Store) Claim(ctx context.Context, epochID uint64, token, account solana.PublicKey, amount uint64, proof [][32]byte) (*payout.Instruction, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var claimed bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM claims WHERE epoch_id = $1 AND token = $2 AND account = $3)
	`, int64(epochID), token.String(), account.String()).Scan(&claimed)
	if err != nil {
		return nil, fmt.Errorf("failed to check claim status: %w", err)
	}
	if claimed {
		return nil, fmt.Errorf("%w: epoch %d token %s account %s", ErrAlreadyClaimed, epochID, token, account)
	}

	root, err := commitmentRoot(ctx, tx, epochID, token)
	if err != nil {
		return nil, err
	}
	if !merkle.Verify(root, account, amount, proof) {
		return nil, fmt.Errorf("%w: epoch %d token %s account %s amount %d", ErrInvalidProof, epochID, token, account, amount)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO claims (epoch_id, token, account, amount, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (epoch_id, token, account) DO NOTHING
	`, int64(epochID), token.String(), account.String(), int64(amount), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent claim for the same key.
		return nil, fmt.Errorf("%w: epoch %d token %s account %s", ErrAlreadyClaimed, epochID, token, account)
	}

	if err := addCumulative(ctx, tx, account, token, amount, now); err != nil {
		return nil, err
	}

	inst := payout.New(account, token, amount, payout.ReasonClaim, []uint64{epochID}, now)
	if err := payout.Insert(ctx, tx, inst); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("claim/store: claimed", "epoch_id", epochID, "token", token, "account", account, "amount", amount)
	return &inst, nil
}

// ClaimBatch processes entries best effort: entries that are already
// claimed, lack a root, or fail proof verification are skipped, and one
// instruction is emitted for the sum of the eligible entries. A batch with
// zero eligible entries succeeds with a nil instruction.
func (s *Store) ClaimBatch(ctx context.Context, entries []Entry, token, account solana.PublicKey) (*payout.Instruction, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var total uint64
	var claimedEpochs []uint64
	for _, e := range entries {
		root, err := commitmentRoot(ctx, tx, e.EpochID, token)
		if err != nil {
			if errors.Is(err, ErrRootNotSet) {
				continue
			}
			return nil, err
		}
		if !merkle.Verify(root, account, e.Amount, e.Proof) {
			continue
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO claims (epoch_id, token, account, amount, claimed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (epoch_id, token, account) DO NOTHING
		`, int64(e.EpochID), token.String(), account.String(), int64(e.Amount), now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert claim for epoch %d: %w", e.EpochID, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		total += e.Amount
		claimedEpochs = append(claimedEpochs, e.EpochID)
	}

	if len(claimedEpochs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.log.Debug("claim/store: batch had no eligible entries", "token", token, "account", account, "entries", len(entries))
		return nil, nil
	}

	if err := addCumulative(ctx, tx, account, token, total, now); err != nil {
		return nil, err
	}

	inst := payout.New(account, token, total, payout.ReasonClaimBatch, claimedEpochs, now)
	if err := payout.Insert(ctx, tx, inst); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("claim/store: batch claimed", "token", token, "account", account, "epochs", len(claimedEpochs), "skipped", len(entries)-len(claimedEpochs), "amount", total)
	return &inst, nil
}

// IsClaimed reports whether (epochID, token, account) has been claimed.
func (s *Store) IsClaimed(ctx context.Context, epochID uint64, token, account solana.PublicKey) (bool, error) {
	var claimed bool
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM claims WHERE epoch_id = $1 AND token = $2 AND account = $3)
	`, int64(epochID), token.String(), account.String()).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("failed to check claim status: %w", err)
	}
	return claimed, nil
}

// CanClaim runs the same checks as Claim without changing state.
func (s *Store) CanClaim(ctx context.Context, epochID uint64, token, account solana.PublicKey, amount uint64, proof [][32]byte) (bool, error) {
	claimed, err := s.IsClaimed(ctx, epochID, token, account)
	if err != nil {
		return false, err
	}
	if claimed {
		return false, nil
	}
	root, err := commitmentRoot(ctx, s.cfg.Pool, epochID, token)
	if err != nil {
		if errors.Is(err, ErrRootNotSet) {
			return false, nil
		}
		return false, err
	}
	return merkle.Verify(root, account, amount, proof), nil
}

// Cumulative returns the lifetime total claimed by (account, token). Zero
// for accounts that never claimed.
func (s *Store) Cumulative(ctx context.Context, account, token solana.PublicKey) (uint64, error) {
	var total int64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT total FROM cumulative_claims WHERE account = $1 AND token = $2
	`, account.String(), token.String()).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get cumulative claims: %w", err)
	}
	return uint64(total), nil
}

// Claimed returns an account's settled claims for a token, oldest epoch
// first.
func (s *Store) Claimed(ctx context.Context, token, account solana.PublicKey) ([]Record, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT epoch_id, amount, claimed_at
		FROM claims
		WHERE token = $1 AND account = $2
		ORDER BY epoch_id ASC
	`, token.String(), account.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r := Record{Token: token, Account: account}
		var epochID, amount int64
		if err := rows.Scan(&epochID, &amount, &r.ClaimedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		r.EpochID = uint64(epochID)
		r.Amount = uint64(amount)
		out = append(out, r)
	}
	return out, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func commitmentRoot(ctx context.Context, q querier, epochID uint64, token solana.PublicKey) ([32]byte, error) {
	var root [32]byte
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT merkle_root FROM commitments WHERE epoch_id = $1 AND token = $2
	`, int64(epochID), token.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return root, fmt.Errorf("%w: epoch %d token %s", ErrRootNotSet, epochID, token)
		}
		return root, fmt.Errorf("failed to get commitment root: %w", err)
	}
	if len(raw) != 32 {
		return root, fmt.Errorf("commitment root for epoch %d token %s has %d bytes, want 32", epochID, token, len(raw))
	}
	copy(root[:], raw)
	return root, nil
}

func addCumulative(ctx context.Context, tx pgx.Tx, account, token solana.PublicKey, amount uint64, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cumulative_claims (account, token, total, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, token) DO UPDATE SET
			total      = cumulative_claims.total + EXCLUDED.total,
			updated_at = EXCLUDED.updated_at
	`, account.String(), token.String(), int64(amount), now)
	if err != nil {
		return fmt.Errorf("failed to update cumulative claims: %w", err)
	}
	return nil
}
