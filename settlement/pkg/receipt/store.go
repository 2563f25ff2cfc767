// Package receipt implements the append-only receipt ledger. Receipts are
// keyed by payment id and aggregated per epoch into volume/fee totals and
// per-participant running totals in the same transaction as the insert.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/settlement/pkg/pg"
)

var (
	ErrDuplicateReceipt = errors.New("receipt: duplicate payment id")
	ErrNotFound         = errors.New("receipt: receipt not found")
	ErrUnknownEpoch     = errors.New("receipt: unknown epoch")
	ErrInvalidReceipt   = errors.New("receipt: invalid receipt")
)

// Participant roles tracked in per-epoch account totals.
const (
	RolePayer    = "payer"
	RoleMerchant = "merchant"
	RoleAgent    = "agent"
)

// Receipt is a finalized payment event emitted by the payment ingress.
// Immutable once recorded.
type Receipt struct {
	PaymentID    string
	Payer        solana.PublicKey
	Merchant     solana.PublicKey
	Agent        *solana.PublicKey
	Token        solana.PublicKey
	Amount       uint64
	ProtocolFee  uint64
	PaidAt       time.Time
	EpochID      uint64
	RouteRefHash []byte
	RecordedAt   time.Time
}

func (r *Receipt) validate() error {
	if r.PaymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrInvalidReceipt)
	}
	if r.Payer.IsZero() {
		return fmt.Errorf("%w: payer is required (payment %s)", ErrInvalidReceipt, r.PaymentID)
	}
	if r.Merchant.IsZero() {
		return fmt.Errorf("%w: merchant is required (payment %s)", ErrInvalidReceipt, r.PaymentID)
	}
	if r.Token.IsZero() {
		return fmt.Errorf("%w: token is required (payment %s)", ErrInvalidReceipt, r.PaymentID)
	}
	if r.EpochID == 0 {
		return fmt.Errorf("%w: epoch id is required (payment %s)", ErrInvalidReceipt, r.PaymentID)
	}
	if r.ProtocolFee > r.Amount {
		return fmt.Errorf("%w: protocol fee %d exceeds amount %d (payment %s)", ErrInvalidReceipt, r.ProtocolFee, r.Amount, r.PaymentID)
	}
	return nil
}

// EpochStats are the running aggregates for one epoch.
type EpochStats struct {
	EpochID      uint64
	ReceiptCount uint64
	TotalVolume  uint64
	TotalFees    uint64
}

// AccountTotal is one participant's running volume/fee total for an
// (epoch, token, role) combination.
type AccountTotal struct {
	EpochID uint64
	Token   solana.PublicKey
	Account solana.PublicKey
	Role    string
	Volume  uint64
	Fees    uint64
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

// Record inserts a receipt and bumps the owning epoch's aggregates in one
// transaction. Fails with ErrDuplicateReceipt if the payment id is already
// recorded; the existing receipt is never overwritten.
func (s *Store) Record(ctx context.Context, r Receipt) error {
	if err := r.validate(); err != nil {
		return err
	}
	now := s.cfg.Clock.Now().UTC()

	s.log.Debug("receipt/store: recording receipt", "payment_id", r.PaymentID, "epoch_id", r.EpochID, "amount", r.Amount, "fee", r.ProtocolFee)

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var agent *string
	if r.Agent != nil {
		v := r.Agent.String()
		agent = &v
	}

	routeRef := r.RouteRefHash
	if routeRef == nil {
		routeRef = []byte{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO receipts (payment_id, payer, merchant, agent, token, amount, protocol_fee, paid_at, epoch_id, route_ref_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.PaymentID, r.Payer.String(), r.Merchant.String(), agent, r.Token.String(),
		int64(r.Amount), int64(r.ProtocolFee), r.PaidAt.UTC(), int64(r.EpochID), routeRef, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pg.ErrCodeUniqueViolation:
				return fmt.Errorf("%w: %s", ErrDuplicateReceipt, r.PaymentID)
			case pg.ErrCodeForeignKeyViolation:
				return fmt.Errorf("%w: %d", ErrUnknownEpoch, r.EpochID)
			}
		}
		return fmt.Errorf("failed to insert receipt: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO epoch_stats (epoch_id, receipt_count, total_volume, total_fees, updated_at)
		VALUES ($1, 1, $2, $3, $4)
		ON CONFLICT (epoch_id) DO UPDATE SET
			receipt_count = epoch_stats.receipt_count + 1,
			total_volume  = epoch_stats.total_volume + EXCLUDED.total_volume,
			total_fees    = epoch_stats.total_fees + EXCLUDED.total_fees,
			updated_at    = EXCLUDED.updated_at
	`, int64(r.EpochID), int64(r.Amount), int64(r.ProtocolFee), now)
	if err != nil {
		return fmt.Errorf("failed to update epoch stats: %w", err)
	}

	participants := []struct {
		account string
		role    string
	}{
		{r.Payer.String(), RolePayer},
		{r.Merchant.String(), RoleMerchant},
	}
	if agent != nil {
		participants = append(participants, struct {
			account string
			role    string
		}{*agent, RoleAgent})
	}
	for _, p := range participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO epoch_account_totals (epoch_id, token, account, role, volume, fees, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (epoch_id, token, account, role) DO UPDATE SET
				volume     = epoch_account_totals.volume + EXCLUDED.volume,
				fees       = epoch_account_totals.fees + EXCLUDED.fees,
				updated_at = EXCLUDED.updated_at
		`, int64(r.EpochID), r.Token.String(), p.account, p.role, int64(r.Amount), int64(r.ProtocolFee), now)
		if err != nil {
			return fmt.Errorf("failed to update account totals for %s %s: %w", p.role, p.account, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get returns the receipt for a payment id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, paymentID string) (*Receipt, error) {
	row := s.cfg.Pool.QueryRow(ctx, `
		SELECT payment_id, payer, merchant, agent, token, amount, protocol_fee, paid_at, epoch_id, route_ref_hash, recorded_at
		FROM receipts
		WHERE payment_id = $1
	`, paymentID)
	r, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
		}
		return nil, fmt.Errorf("failed to get receipt %s: %w", paymentID, err)
	}
	return r, nil
}

// GetEpochStats returns the aggregates for an epoch. Unknown epochs yield
// zero stats, not an error.
func (s *Store) GetEpochStats(ctx context.Context, epochID uint64) (EpochStats, error) {
	stats := EpochStats{EpochID: epochID}
	var count, volume, fees int64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT receipt_count, total_volume, total_fees
		FROM epoch_stats
		WHERE epoch_id = $1
	`, int64(epochID)).Scan(&count, &volume, &fees)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to get epoch stats for epoch %d: %w", epochID, err)
	}
	stats.ReceiptCount = uint64(count)
	stats.TotalVolume = uint64(volume)
	stats.TotalFees = uint64(fees)
	return stats, nil
}

// AccountTotals returns the per-participant totals for an (epoch, token)
// pair, ordered by account then role for deterministic aggregation input.
func (s *Store) AccountTotals(ctx context.Context, epochID uint64, token solana.PublicKey) ([]AccountTotal, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT account, role, volume, fees
		FROM epoch_account_totals
		WHERE epoch_id = $1 AND token = $2
		ORDER BY account ASC, role ASC
	`, int64(epochID), token.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query account totals: %w", err)
	}
	defer rows.Close()

	var out []AccountTotal
	for rows.Next() {
		t := AccountTotal{EpochID: epochID, Token: token}
		var account string
		var volume, fees int64
		if err := rows.Scan(&account, &t.Role, &volume, &fees); err != nil {
			return nil, fmt.Errorf("failed to scan account total: %w", err)
		}
		t.Account, err = solana.PublicKeyFromBase58(account)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key %s: %w", account, err)
		}
		t.Volume = uint64(volume)
		t.Fees = uint64(fees)
		out = append(out, t)
	}
	return out, rows.Err()
}

// List returns the receipts recorded for an epoch in recording order.
func (s *Store) List(ctx context.Context, epochID uint64, limit, offset int) ([]*Receipt, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT payment_id, payer, merchant, agent, token, amount, protocol_fee, paid_at, epoch_id, route_ref_hash, recorded_at
		FROM receipts
		WHERE epoch_id = $1
		ORDER BY recorded_at ASC, payment_id ASC
		LIMIT $2 OFFSET $3
	`, int64(epochID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	var payer, merchant, token string
	var agent *string
	var amount, protocolFee, epochID int64
	err := row.Scan(&r.PaymentID, &payer, &merchant, &agent, &token, &amount, &protocolFee, &r.PaidAt, &epochID, &r.RouteRefHash, &r.RecordedAt)
	if err != nil {
		return nil, err
	}
	if r.Payer, err = solana.PublicKeyFromBase58(payer); err != nil {
		return nil, fmt.Errorf("failed to parse payer key %s: %w", payer, err)
	}
	if r.Merchant, err = solana.PublicKeyFromBase58(merchant); err != nil {
		return nil, fmt.Errorf("failed to parse merchant key %s: %w", merchant, err)
	}
	if agent != nil {
		key, err := solana.PublicKeyFromBase58(*agent)
		if err != nil {
			return nil, fmt.Errorf("failed to parse agent key %s: %w", *agent, err)
		}
		r.Agent = &key
	}
	if r.Token, err = solana.PublicKeyFromBase58(token); err != nil {
		return nil, fmt.Errorf("failed to parse token key %s: %w", token, err)
	}
	r.Amount = uint64(amount)
	r.ProtocolFee = uint64(protocolFee)
	r.EpochID = uint64(epochID)
	return &r, nil
}
