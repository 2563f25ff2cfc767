package facts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type SourceConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Source reads settlement rows out of the Postgres ledger. The Since
// readers return rows at or after the cursor in ascending order so callers
// can page; the replacing merge engine on the ClickHouse side absorbs the
// overlap at the cursor boundary.
type Source struct {
	log *slog.Logger
	cfg SourceConfig
}

func NewSource(cfg SourceConfig) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Source) ReceiptsSince(ctx context.Context, since time.Time, limit int) ([]ReceiptFact, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT payment_id, payer, merchant, COALESCE(agent, ''), token,
		       amount, protocol_fee, paid_at, epoch_id, recorded_at
		FROM receipts
		WHERE recorded_at >= $1
		ORDER BY recorded_at ASC, payment_id ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []ReceiptFact
	for rows.Next() {
		var r ReceiptFact
		var amount, fee, epochID int64
		if err := rows.Scan(&r.PaymentID, &r.Payer, &r.Merchant, &r.Agent, &r.Token,
			&amount, &fee, &r.PaidAt, &epochID, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Amount = uint64(amount)
		r.ProtocolFee = uint64(fee)
		r.EpochID = uint64(epochID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Source) ClaimsSince(ctx context.Context, since time.Time, limit int) ([]ClaimFact, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT epoch_id, token, account, amount, claimed_at
		FROM claims
		WHERE claimed_at >= $1
		ORDER BY claimed_at ASC, epoch_id ASC, account ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []ClaimFact
	for rows.Next() {
		var c ClaimFact
		var epochID, amount int64
		if err := rows.Scan(&epochID, &c.Token, &c.Account, &amount, &c.ClaimedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		c.EpochID = uint64(epochID)
		c.Amount = uint64(amount)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Source) PayoutsSince(ctx context.Context, since time.Time, limit int) ([]PayoutFact, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id::text, account, token, amount, reason, epoch_ids, created_at
		FROM payout_instructions
		WHERE created_at >= $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout instructions: %w", err)
	}
	defer rows.Close()

	var out []PayoutFact
	for rows.Next() {
		var p PayoutFact
		var amount int64
		var epochIDs []int64
		if err := rows.Scan(&p.ID, &p.Account, &p.Token, &amount, &p.Reason, &epochIDs, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout instruction: %w", err)
		}
		p.Amount = uint64(amount)
		p.EpochIDs = make([]uint64, len(epochIDs))
		for i, id := range epochIDs {
			p.EpochIDs[i] = uint64(id)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Attestations returns every attestation. Statuses transition in place, so
// the sync re-pulls the whole table rather than tracking a cursor.
func (s *Source) Attestations(ctx context.Context) ([]AttestationFact, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, attester, content_hash, bond_amount, submitted_at,
		       challenge_deadline, status, COALESCE(challenger, ''),
		       COALESCE(challenge_reason, ''), resolved_at
		FROM attestations
		ORDER BY submitted_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attestations: %w", err)
	}
	defer rows.Close()

	var out []AttestationFact
	for rows.Next() {
		var a AttestationFact
		var hash []byte
		var bond int64
		if err := rows.Scan(&a.ID, &a.Attester, &hash, &bond, &a.SubmittedAt,
			&a.ChallengeDeadline, &a.Status, &a.Challenger, &a.ChallengeReason, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attestation: %w", err)
		}
		a.ContentHash = hex.EncodeToString(hash)
		a.BondAmount = uint64(bond)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Epochs returns every epoch record. The set stays small (one row per
// epoch) and finalization mutates rows, so it re-pulls whole like
// attestations.
func (s *Source) Epochs(ctx context.Context) ([]EpochFact, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, start_time, end_time, COALESCE(merkle_root, ''::bytea),
		       total_rewards, finalized, finalized_at
		FROM epoch_records
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query epoch records: %w", err)
	}
	defer rows.Close()

	var out []EpochFact
	for rows.Next() {
		var e EpochFact
		var id, rewards int64
		var root []byte
		if err := rows.Scan(&id, &e.StartTime, &e.EndTime, &root, &rewards, &e.Finalized, &e.FinalizedAt); err != nil {
			return nil, fmt.Errorf("failed to scan epoch record: %w", err)
		}
		e.ID = uint64(id)
		e.TotalRewards = uint64(rewards)
		e.MerkleRoot = hex.EncodeToString(root)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PaymentEdge is a per-epoch payer to merchant aggregate used by the flow
// graph sync.
type PaymentEdge struct {
	Payer        string
	Merchant     string
	EpochID      uint64
	Amount       uint64
	PaymentCount uint64
}

// PaymentEdges aggregates receipts into payer to merchant edges grouped by
// epoch.
func (s *Source) PaymentEdges(ctx context.Context) ([]PaymentEdge, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT payer, merchant, epoch_id, SUM(amount), COUNT(*)
		FROM receipts
		GROUP BY payer, merchant, epoch_id
		ORDER BY epoch_id ASC, payer ASC, merchant ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payment edges: %w", err)
	}
	defer rows.Close()

	var out []PaymentEdge
	for rows.Next() {
		var e PaymentEdge
		var epochID, amount, count int64
		if err := rows.Scan(&e.Payer, &e.Merchant, &epochID, &amount, &count); err != nil {
			return nil, fmt.Errorf("failed to scan payment edge: %w", err)
		}
		e.EpochID = uint64(epochID)
		e.Amount = uint64(amount)
		e.PaymentCount = uint64(count)
		out = append(out, e)
	}
	return out, rows.Err()
}
