package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/clearing/reporting/pkg/clickhouse"
)

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

// Store writes settlement facts into ClickHouse. All tables use a
// replacing merge engine versioned on ingested_at, so re-inserting a row
// is safe and the latest write wins.
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

func (s *Store) InsertReceipts(ctx context.Context, receipts []ReceiptFact) error {
	if len(receipts) == 0 {
		return nil
	}
	ingestedAt := time.Now().UTC()
	return s.writeBatch(ctx, "fact_receipts", len(receipts), func(i int) []any {
		r := receipts[i]
		return []any{
			r.PaymentID, r.Payer, r.Merchant, r.Agent, r.Token,
			r.Amount, r.ProtocolFee, r.PaidAt.UTC(), r.EpochID, r.RecordedAt.UTC(),
			ingestedAt,
		}
	})
}

func (s *Store) InsertClaims(ctx context.Context, claims []ClaimFact) error {
	if len(claims) == 0 {
		return nil
	}
	ingestedAt := time.Now().UTC()
	return s.writeBatch(ctx, "fact_claims", len(claims), func(i int) []any {
		c := claims[i]
		return []any{c.EpochID, c.Token, c.Account, c.Amount, c.ClaimedAt.UTC(), ingestedAt}
	})
}

func (s *Store) InsertPayouts(ctx context.Context, payouts []PayoutFact) error {
	if len(payouts) == 0 {
		return nil
	}
	ingestedAt := time.Now().UTC()
	return s.writeBatch(ctx, "fact_payouts", len(payouts), func(i int) []any {
		p := payouts[i]
		return []any{p.ID, p.Account, p.Token, p.Amount, p.Reason, p.EpochIDs, p.CreatedAt.UTC(), ingestedAt}
	})
}

func (s *Store) ReplaceAttestations(ctx context.Context, attestations []AttestationFact) error {
	if len(attestations) == 0 {
		return nil
	}
	ingestedAt := time.Now().UTC()
	return s.writeBatch(ctx, "fact_attestations", len(attestations), func(i int) []any {
		a := attestations[i]
		var resolvedAt *time.Time
		if a.ResolvedAt != nil {
			t := a.ResolvedAt.UTC()
			resolvedAt = &t
		}
		return []any{
			a.ID, a.Attester, a.ContentHash, a.BondAmount,
			a.SubmittedAt.UTC(), a.ChallengeDeadline.UTC(), a.Status,
			a.Challenger, a.ChallengeReason, resolvedAt, ingestedAt,
		}
	})
}

func (s *Store) ReplaceEpochs(ctx context.Context, epochs []EpochFact) error {
	if len(epochs) == 0 {
		return nil
	}
	ingestedAt := time.Now().UTC()
	return s.writeBatch(ctx, "dim_epochs", len(epochs), func(i int) []any {
		e := epochs[i]
		var finalizedAt *time.Time
		if e.FinalizedAt != nil {
			t := e.FinalizedAt.UTC()
			finalizedAt = &t
		}
		return []any{
			e.ID, e.StartTime.UTC(), e.EndTime.UTC(), e.MerkleRoot,
			e.TotalRewards, e.Finalized, finalizedAt, ingestedAt,
		}
	})
}

func (s *Store) writeBatch(ctx context.Context, table string, count int, rowFn func(int) []any) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch for %s: %w", table, err)
	}
	defer batch.Close()

	for i := range count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
		default:
		}
		if err := batch.Append(rowFn(i)...); err != nil {
			return fmt.Errorf("failed to append row %d to %s: %w", i, table, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch to %s: %w", table, err)
	}

	s.log.Debug("facts: wrote batch", "table", table, "count", count)
	return nil
}

// LatestReceiptRecordedAt returns the newest recorded_at already synced, or
// the zero time when the table is empty. Used to resume the cursor after a
// restart.
func (s *Store) LatestReceiptRecordedAt(ctx context.Context) (time.Time, error) {
	return s.maxTime(ctx, "fact_receipts", "recorded_at")
}

func (s *Store) LatestClaimAt(ctx context.Context) (time.Time, error) {
	return s.maxTime(ctx, "fact_claims", "claimed_at")
}

func (s *Store) LatestPayoutAt(ctx context.Context) (time.Time, error) {
	return s.maxTime(ctx, "fact_payouts", "created_at")
}

func (s *Store) maxTime(ctx context.Context, table, column string) (time.Time, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}

	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT max(%s), count() FROM %s", column, table))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query max %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var maxTS time.Time
	var count uint64
	if rows.Next() {
		if err := rows.Scan(&maxTS, &count); err != nil {
			return time.Time{}, fmt.Errorf("failed to scan max %s.%s: %w", table, column, err)
		}
	}
	if count == 0 {
		return time.Time{}, rows.Err()
	}
	return maxTS, rows.Err()
}

// CountReceipts returns the number of distinct synced receipts.
func (s *Store) CountReceipts(ctx context.Context) (uint64, error) {
	return s.count(ctx, "fact_receipts")
}

func (s *Store) CountClaims(ctx context.Context) (uint64, error) {
	return s.count(ctx, "fact_claims")
}

func (s *Store) CountPayouts(ctx context.Context) (uint64, error) {
	return s.count(ctx, "fact_payouts")
}

func (s *Store) CountAttestations(ctx context.Context) (uint64, error) {
	return s.count(ctx, "fact_attestations")
}

func (s *Store) CountEpochs(ctx context.Context) (uint64, error) {
	return s.count(ctx, "dim_epochs")
}

func (s *Store) count(ctx context.Context, table string) (uint64, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}

	// FINAL collapses replaced rows so re-synced duplicates count once.
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT count() FROM %s FINAL", table))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to scan count of %s: %w", table, err)
		}
	}
	return count, rows.Err()
}
