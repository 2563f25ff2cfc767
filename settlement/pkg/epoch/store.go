// Package epoch implements the epoch state machine: a monotonically
// increasing settlement period counter advanced on a fixed cadence, gated by
// explicit finalization of the prior epoch. Finalization records the merkle
// commitment claims verify against, so every epoch a claim can reference has
// a root.
package epoch

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
)

const (
	MinEpochDuration     = 24 * time.Hour
	MaxEpochDuration     = 720 * time.Hour
	DefaultEpochDuration = 24 * time.Hour
)

var (
	ErrAlreadyFinalized         = errors.New("epoch: epoch already finalized")
	ErrInvalidRoot              = errors.New("epoch: invalid merkle root")
	ErrUnknownEpoch             = errors.New("epoch: unknown epoch")
	ErrEpochNotEnded            = errors.New("epoch: epoch not ended")
	ErrCurrentEpochNotFinalized = errors.New("epoch: current epoch not finalized")
	ErrInvalidDuration          = errors.New("epoch: duration out of range")
	ErrNoCommitment             = errors.New("epoch: no commitment recorded")
	ErrNotBootstrapped          = errors.New("epoch: store not bootstrapped")
)

// EpochRecord is one settlement period. Mutated only by Finalize (one shot)
// and created by Advance or Bootstrap; never deleted.
type EpochRecord struct {
	ID           uint64
	StartTime    time.Time
	EndTime      time.Time
	MerkleRoot   *[32]byte
	TotalRewards uint64
	Finalized    bool
	FinalizedAt  *time.Time
	CreatedAt    time.Time
}

// Commitment is a recorded merkle commitment for an (epoch, token) pair.
type Commitment struct {
	EpochID     uint64
	Token       solana.PublicKey
	Root        [32]byte
	EntryCount  uint64
	TotalAmount uint64
	CreatedAt   time.Time
}

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool

	// DefaultDuration seeds the settings row on bootstrap.
	DefaultDuration time.Duration
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
	if cfg.DefaultDuration == 0 {
		cfg.DefaultDuration = DefaultEpochDuration
	}
	if cfg.DefaultDuration < MinEpochDuration || cfg.DefaultDuration > MaxEpochDuration {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, cfg.DefaultDuration)
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

// Bootstrap seeds the settings row and epoch 1 on first boot. Safe to call
// on every startup; existing rows are left untouched.
func (s *Store) Bootstrap(ctx context.Context) error {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO epoch_settings (singleton, epoch_duration_seconds, updated_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO NOTHING
	`, int64(s.cfg.DefaultDuration.Seconds()), now)
	if err != nil {
		return fmt.Errorf("failed to seed epoch settings: %w", err)
	}

	var durationSeconds int64
	err = tx.QueryRow(ctx, `SELECT epoch_duration_seconds FROM epoch_settings WHERE singleton`).Scan(&durationSeconds)
	if err != nil {
		return fmt.Errorf("failed to read epoch duration: %w", err)
	}
	duration := time.Duration(durationSeconds) * time.Second

	tag, err := tx.Exec(ctx, `
		INSERT INTO epoch_records (id, start_time, end_time, total_rewards, finalized, created_at)
		SELECT 1, $1, $2, 0, FALSE, $1
		WHERE NOT EXISTS (SELECT 1 FROM epoch_records)
		ON CONFLICT (id) DO NOTHING
	`, now, now.Add(duration))
	if err != nil {
		return fmt.Errorf("failed to seed first epoch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if tag.RowsAffected() > 0 {
		s.log.Info("epoch/store: bootstrapped epoch 1", "start_time", now, "end_time", now.Add(duration), "duration", duration)
	}
	return nil
}

// Current returns the latest epoch record.
func (s *Store) Current(ctx context.Context) (*EpochRecord, error) {
	row := s.cfg.Pool.QueryRow(ctx, `
		SELECT id, start_time, end_time, merkle_root, total_rewards, finalized, finalized_at, created_at
		FROM epoch_records
		ORDER BY id DESC
		LIMIT 1
	`)
	rec, err := scanEpoch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotBootstrapped
		}
		return nil, fmt.Errorf("failed to get current epoch: %w", err)
	}
	return rec, nil
}

// Get returns the epoch record for id, or ErrUnknownEpoch.
func (s *Store) Get(ctx context.Context, epochID uint64) (*EpochRecord, error) {
	row := s.cfg.Pool.QueryRow(ctx, `
		SELECT id, start_time, end_time, merkle_root, total_rewards, finalized, finalized_at, created_at
		FROM epoch_records
		WHERE id = $1
	`, int64(epochID))
	rec, err := scanEpoch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownEpoch, epochID)
		}
		return nil, fmt.Errorf("failed to get epoch %d: %w", epochID, err)
	}
	return rec, nil
}

// Finalize stamps the epoch with its merkle root and total rewards and
// records the commitment for (epochID, token), all in one transaction.
// One shot: a second finalize fails with ErrAlreadyFinalized even with the
// same root, so a root can never be replaced after claims may have started.
func (s *Store) Finalize(ctx context.Context, epochID uint64, token solana.PublicKey, root [32]byte, entryCount uint64, totalRewards uint64) error {
	if root == merkle.ZeroRoot {
		return fmt.Errorf("%w: zero root for epoch %d", ErrInvalidRoot, epochID)
	}
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var finalized bool
	err = tx.QueryRow(ctx, `SELECT finalized FROM epoch_records WHERE id = $1 FOR UPDATE`, int64(epochID)).Scan(&finalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrUnknownEpoch, epochID)
		}
		return fmt.Errorf("failed to lock epoch %d: %w", epochID, err)
	}
	if finalized {
		return fmt.Errorf("%w: %d", ErrAlreadyFinalized, epochID)
	}

	_, err = tx.Exec(ctx, `
		UPDATE epoch_records
		SET merkle_root = $2, total_rewards = $3, finalized = TRUE, finalized_at = $4
		WHERE id = $1
	`, int64(epochID), root[:], int64(totalRewards), now)
	if err != nil {
		return fmt.Errorf("failed to finalize epoch %d: %w", epochID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO commitments (epoch_id, token, merkle_root, entry_count, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(epochID), token.String(), root[:], int64(entryCount), int64(totalRewards), now)
	if err != nil {
		return fmt.Errorf("failed to record commitment for epoch %d token %s: %w", epochID, token, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("epoch/store: finalized epoch", "epoch_id", epochID, "token", token, "entry_count", entryCount, "total_rewards", totalRewards)
	return nil
}

// CanAdvance reports whether the current epoch has ended.
func (s *Store) CanAdvance(ctx context.Context) (bool, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	now := s.cfg.Clock.Now().UTC()
	return !now.Before(current.EndTime), nil
}

// Advance opens the next epoch. The current epoch must have ended and been
// finalized. Advances serialize on the settings row so exactly one concurrent
// caller succeeds; the rest observe the already-applied state.
func (s *Store) Advance(ctx context.Context) (*EpochRecord, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var durationSeconds int64
	err = tx.QueryRow(ctx, `SELECT epoch_duration_seconds FROM epoch_settings WHERE singleton FOR UPDATE`).Scan(&durationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotBootstrapped
		}
		return nil, fmt.Errorf("failed to lock epoch settings: %w", err)
	}
	duration := time.Duration(durationSeconds) * time.Second

	var currentID int64
	var endTime time.Time
	var finalized bool
	err = tx.QueryRow(ctx, `
		SELECT id, end_time, finalized FROM epoch_records ORDER BY id DESC LIMIT 1
	`).Scan(&currentID, &endTime, &finalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotBootstrapped
		}
		return nil, fmt.Errorf("failed to read current epoch: %w", err)
	}
	if now.Before(endTime) {
		return nil, fmt.Errorf("%w: epoch %d ends at %s", ErrEpochNotEnded, currentID, endTime.Format(time.RFC3339))
	}
	if !finalized {
		return nil, fmt.Errorf("%w: epoch %d", ErrCurrentEpochNotFinalized, currentID)
	}

	next := &EpochRecord{
		ID:        uint64(currentID) + 1,
		StartTime: now,
		EndTime:   now.Add(duration),
		CreatedAt: now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO epoch_records (id, start_time, end_time, total_rewards, finalized, created_at)
		VALUES ($1, $2, $3, 0, FALSE, $4)
	`, int64(next.ID), next.StartTime, next.EndTime, next.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert epoch %d: %w", next.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("epoch/store: advanced epoch", "epoch_id", next.ID, "start_time", next.StartTime, "end_time", next.EndTime)
	return next, nil
}

// SetDuration changes the epoch duration for epochs created after the call.
// Already-open epochs keep their end time.
func (s *Store) SetDuration(ctx context.Context, d time.Duration) error {
	if d < MinEpochDuration || d > MaxEpochDuration {
		return fmt.Errorf("%w: %s (allowed %s to %s)", ErrInvalidDuration, d, MinEpochDuration, MaxEpochDuration)
	}
	now := s.cfg.Clock.Now().UTC()

	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE epoch_settings SET epoch_duration_seconds = $1, updated_at = $2 WHERE singleton
	`, int64(d.Seconds()), now)
	if err != nil {
		return fmt.Errorf("failed to set epoch duration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotBootstrapped
	}

	s.log.Info("epoch/store: set epoch duration", "duration", d)
	return nil
}

// Duration returns the configured epoch duration.
func (s *Store) Duration(ctx context.Context) (time.Duration, error) {
	var durationSeconds int64
	err := s.cfg.Pool.QueryRow(ctx, `SELECT epoch_duration_seconds FROM epoch_settings WHERE singleton`).Scan(&durationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotBootstrapped
		}
		return 0, fmt.Errorf("failed to read epoch duration: %w", err)
	}
	return time.Duration(durationSeconds) * time.Second, nil
}

// Commitment returns the recorded commitment for (epochID, token), or
// ErrNoCommitment.
func (s *Store) Commitment(ctx context.Context, epochID uint64, token solana.PublicKey) (*Commitment, error) {
	c := Commitment{EpochID: epochID, Token: token}
	var root []byte
	var entryCount, totalAmount int64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT merkle_root, entry_count, total_amount, created_at
		FROM commitments
		WHERE epoch_id = $1 AND token = $2
	`, int64(epochID), token.String()).Scan(&root, &entryCount, &totalAmount, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: epoch %d token %s", ErrNoCommitment, epochID, token)
		}
		return nil, fmt.Errorf("failed to get commitment for epoch %d token %s: %w", epochID, token, err)
	}
	if len(root) != 32 {
		return nil, fmt.Errorf("commitment root for epoch %d token %s has %d bytes, want 32", epochID, token, len(root))
	}
	copy(c.Root[:], root)
	c.EntryCount = uint64(entryCount)
	c.TotalAmount = uint64(totalAmount)
	return &c, nil
}

func scanEpoch(row pgx.Row) (*EpochRecord, error) {
	var rec EpochRecord
	var id, totalRewards int64
	var root []byte
	err := row.Scan(&id, &rec.StartTime, &rec.EndTime, &root, &totalRewards, &rec.Finalized, &rec.FinalizedAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.ID = uint64(id)
	rec.TotalRewards = uint64(totalRewards)
	if root != nil {
		if len(root) != 32 {
			return nil, fmt.Errorf("epoch %d merkle root has %d bytes, want 32", id, len(root))
		}
		var r [32]byte
		copy(r[:], root)
		rec.MerkleRoot = &r
	}
	return &rec, nil
}
