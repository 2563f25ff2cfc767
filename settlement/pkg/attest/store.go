// Package attest implements the bonded attestation/challenge state machine:
// submission escrows a bond behind a quality claim, a timed window allows a
// dispute, and resolution slashes or releases the stake.
//
// Lifecycle: Pending -> {Challenged -> {Validated, Slashed}, Validated
// (timeout), Withdrawn}. Every transition outside the lifecycle fails with a
// status precondition error, never a silent no-op.
package attest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/settlement/pkg/payout"
	"github.com/malbeclabs/clearing/settlement/pkg/pg"
	"github.com/malbeclabs/clearing/settlement/pkg/split"
)

const (
	DefaultChallengePeriod = 72 * time.Hour
	DefaultSlashBps        = 5000
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusChallenged Status = "challenged"
	StatusValidated  Status = "validated"
	StatusSlashed    Status = "slashed"
	StatusWithdrawn  Status = "withdrawn"
)

var (
	ErrAttestationExists     = errors.New("attest: attestation already exists")
	ErrNotFound              = errors.New("attest: attestation not found")
	ErrEmptyContentHash      = errors.New("attest: content hash is required")
	ErrBondTooLow            = errors.New("attest: bond below configured minimum")
	ErrInvalidStatus         = errors.New("attest: invalid status for transition")
	ErrChallengeWindowClosed = errors.New("attest: challenge window closed")
	ErrChallengeWindowOpen   = errors.New("attest: challenge window still open")
	ErrSelfChallenge         = errors.New("attest: attester cannot challenge own attestation")
	ErrUnauthorized          = errors.New("attest: caller is not the attester")
	ErrNoBond                = errors.New("attest: no bond to withdraw")
)

// Attestation is a bonded quality claim. The bond is owned by the registry
// from submission until release, slash, or withdrawal.
type Attestation struct {
	ID                string
	Attester          solana.PublicKey
	ContentHash       [32]byte
	BondAmount        uint64
	SubmittedAt       time.Time
	ChallengeDeadline time.Time
	Status            Status
	Challenger        *solana.PublicKey
	ChallengeReason   *string
	ResolvedAt        *time.Time
}

// AttesterStats tracks lifecycle outcomes per account.
type AttesterStats struct {
	Account       solana.PublicKey
	ValidCount    uint64
	SlashedCount  uint64
	ChallengeWins uint64
}

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool

	// BondToken denominates bonds and slash payouts.
	BondToken solana.PublicKey

	// ChallengePeriod is the dispute window opened by each submission.
	ChallengePeriod time.Duration

	// MinBond is the minimum for bonded submissions. Zero-bond submissions
	// are always allowed.
	MinBond uint64

	// SlashBps is the bond share awarded to a successful challenger, in
	// basis points. The attester receives the remainder.
	SlashBps uint64
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.BondToken.IsZero() {
		return errors.New("bond token is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ChallengePeriod == 0 {
		cfg.ChallengePeriod = DefaultChallengePeriod
	}
	if cfg.SlashBps == 0 {
		cfg.SlashBps = DefaultSlashBps
	}
	if cfg.SlashBps > split.TotalBps {
		return fmt.Errorf("slash bps %d exceeds %d", cfg.SlashBps, split.TotalBps)
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

// Submit creates a Pending attestation with a fresh challenge deadline. The
// id is derived from the attester, content hash, and submission time; a
// collision fails with ErrAttestationExists rather than overwriting.
func (s *Store) Submit(ctx context.Context, attester solana.PublicKey, contentHash [32]byte, bond uint64) (*Attestation, error) {
	if contentHash == ([32]byte{}) {
		return nil, fmt.Errorf("%w: attester %s", ErrEmptyContentHash, attester)
	}
	if bond > 0 && bond < s.cfg.MinBond {
		return nil, fmt.Errorf("%w: bond %d, minimum %d", ErrBondTooLow, bond, s.cfg.MinBond)
	}

	now := s.cfg.Clock.Now().UTC()
	a := &Attestation{
		ID:                deriveID(attester, contentHash, now),
		Attester:          attester,
		ContentHash:       contentHash,
		BondAmount:        bond,
		SubmittedAt:       now,
		ChallengeDeadline: now.Add(s.cfg.ChallengePeriod),
		Status:            StatusPending,
	}

	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO attestations (id, attester, content_hash, bond_amount, submitted_at, challenge_deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, attester.String(), contentHash[:], int64(bond), a.SubmittedAt, a.ChallengeDeadline, string(a.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pg.ErrCodeUniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrAttestationExists, a.ID)
		}
		return nil, fmt.Errorf("failed to insert attestation: %w", err)
	}

	s.log.Info("attest/store: submitted", "id", a.ID, "attester", attester, "bond", bond, "challenge_deadline", a.ChallengeDeadline)
	return a, nil
}

// Challenge disputes a Pending attestation within its challenge window.
func (s *Store) Challenge(ctx context.Context, id string, challenger solana.PublicKey, reason string) (*Attestation, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := lockAttestation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot challenge %s attestation %s", ErrInvalidStatus, a.Status, id)
	}
	if now.After(a.ChallengeDeadline) {
		return nil, fmt.Errorf("%w: %s (deadline %s)", ErrChallengeWindowClosed, id, a.ChallengeDeadline.Format(time.RFC3339))
	}
	if challenger == a.Attester {
		return nil, fmt.Errorf("%w: %s", ErrSelfChallenge, id)
	}

	_, err = tx.Exec(ctx, `
		UPDATE attestations SET status = $2, challenger = $3, challenge_reason = $4 WHERE id = $1
	`, id, string(StatusChallenged), challenger.String(), reason)
	if err != nil {
		return nil, fmt.Errorf("failed to challenge attestation %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	a.Status = StatusChallenged
	a.Challenger = &challenger
	a.ChallengeReason = &reason

	s.log.Info("attest/store: challenged", "id", id, "challenger", challenger, "reason", reason)
	return a, nil
}

// Arbitrate resolves a Challenged attestation. If the challenge succeeded
// the bond is split with the configured slash share to the challenger and
// the remainder to the attester, and both outcomes are counted in attester
// stats. If it failed the attestation is validated and the bond stays
// escrowed pending withdrawal.
func (s *Store) Arbitrate(ctx context.Context, id string, challengeSucceeded bool) (*Attestation, []payout.Instruction, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := lockAttestation(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != StatusChallenged {
		return nil, nil, fmt.Errorf("%w: cannot arbitrate %s attestation %s", ErrInvalidStatus, a.Status, id)
	}

	var instructions []payout.Instruction
	if challengeSucceeded {
		if a.Challenger == nil {
			return nil, nil, fmt.Errorf("challenged attestation %s has no challenger", id)
		}
		shares, err := split.Split(a.BondAmount, []uint64{s.cfg.SlashBps, split.TotalBps - s.cfg.SlashBps})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to split bond for attestation %s: %w", id, err)
		}
		challengerShare, attesterShare := shares[0], shares[1]

		_, err = tx.Exec(ctx, `
			UPDATE attestations SET status = $2, resolved_at = $3 WHERE id = $1
		`, id, string(StatusSlashed), now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to slash attestation %s: %w", id, err)
		}
		if err := bumpStats(ctx, tx, a.Attester.String(), 0, 1, 0, now); err != nil {
			return nil, nil, err
		}
		if err := bumpStats(ctx, tx, a.Challenger.String(), 0, 0, 1, now); err != nil {
			return nil, nil, err
		}
		if challengerShare > 0 {
			inst := payout.New(*a.Challenger, s.cfg.BondToken, challengerShare, payout.ReasonSlashAward, nil, now)
			if err := payout.Insert(ctx, tx, inst); err != nil {
				return nil, nil, err
			}
			instructions = append(instructions, inst)
		}
		if attesterShare > 0 {
			inst := payout.New(a.Attester, s.cfg.BondToken, attesterShare, payout.ReasonSlashRefund, nil, now)
			if err := payout.Insert(ctx, tx, inst); err != nil {
				return nil, nil, err
			}
			instructions = append(instructions, inst)
		}
		a.Status = StatusSlashed
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE attestations SET status = $2, resolved_at = $3 WHERE id = $1
		`, id, string(StatusValidated), now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to validate attestation %s: %w", id, err)
		}
		if err := bumpStats(ctx, tx, a.Attester.String(), 1, 0, 0, now); err != nil {
			return nil, nil, err
		}
		a.Status = StatusValidated
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	a.ResolvedAt = &now

	s.log.Info("attest/store: arbitrated", "id", id, "challenge_succeeded", challengeSucceeded, "status", a.Status, "payouts", len(instructions))
	return a, instructions, nil
}

// Validate resolves a Pending attestation whose challenge window passed with
// no dispute raised. Callable by anyone; distinct from arbitration.
func (s *Store) Validate(ctx context.Context, id string) (*Attestation, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := lockAttestation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot validate %s attestation %s", ErrInvalidStatus, a.Status, id)
	}
	if !now.After(a.ChallengeDeadline) {
		return nil, fmt.Errorf("%w: %s (deadline %s)", ErrChallengeWindowOpen, id, a.ChallengeDeadline.Format(time.RFC3339))
	}

	_, err = tx.Exec(ctx, `
		UPDATE attestations SET status = $2, resolved_at = $3 WHERE id = $1
	`, id, string(StatusValidated), now)
	if err != nil {
		return nil, fmt.Errorf("failed to validate attestation %s: %w", id, err)
	}
	if err := bumpStats(ctx, tx, a.Attester.String(), 1, 0, 0, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	a.Status = StatusValidated
	a.ResolvedAt = &now

	s.log.Info("attest/store: validated on timeout", "id", id, "attester", a.Attester)
	return a, nil
}

// WithdrawBond releases the full bond of a Validated attestation back to the
// attester and zeroes it, preventing double withdrawal.
func (s *Store) WithdrawBond(ctx context.Context, id string, caller solana.PublicKey) (*Attestation, *payout.Instruction, error) {
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := lockAttestation(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if caller != a.Attester {
		return nil, nil, fmt.Errorf("%w: %s attempted withdrawal of %s", ErrUnauthorized, caller, id)
	}
	if a.Status != StatusValidated {
		return nil, nil, fmt.Errorf("%w: cannot withdraw from %s attestation %s", ErrInvalidStatus, a.Status, id)
	}
	if a.BondAmount == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoBond, id)
	}

	_, err = tx.Exec(ctx, `
		UPDATE attestations SET status = $2, bond_amount = 0 WHERE id = $1
	`, id, string(StatusWithdrawn))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to withdraw bond for attestation %s: %w", id, err)
	}

	inst := payout.New(a.Attester, s.cfg.BondToken, a.BondAmount, payout.ReasonBondWithdrawal, nil, now)
	if err := payout.Insert(ctx, tx, inst); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	withdrawn := a.BondAmount
	a.Status = StatusWithdrawn
	a.BondAmount = 0

	s.log.Info("attest/store: bond withdrawn", "id", id, "attester", a.Attester, "amount", withdrawn)
	return a, &inst, nil
}

// Get returns the attestation for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Attestation, error) {
	row := s.cfg.Pool.QueryRow(ctx, `
		SELECT id, attester, content_hash, bond_amount, submitted_at, challenge_deadline, status, challenger, challenge_reason, resolved_at
		FROM attestations
		WHERE id = $1
	`, id)
	a, err := scanAttestation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get attestation %s: %w", id, err)
	}
	return a, nil
}

// Stats returns lifecycle counters for an account. Accounts with no history
// yield zero stats, not an error.
func (s *Store) Stats(ctx context.Context, account solana.PublicKey) (AttesterStats, error) {
	stats := AttesterStats{Account: account}
	var valid, slashed, wins int64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT valid_count, slashed_count, challenge_wins FROM attester_stats WHERE account = $1
	`, account.String()).Scan(&valid, &slashed, &wins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to get attester stats for %s: %w", account, err)
	}
	stats.ValidCount = uint64(valid)
	stats.SlashedCount = uint64(slashed)
	stats.ChallengeWins = uint64(wins)
	return stats, nil
}

func deriveID(attester solana.PublicKey, contentHash [32]byte, submittedAt time.Time) string {
	var buf [32 + 32 + 8]byte
	copy(buf[:32], attester[:])
	copy(buf[32:64], contentHash[:])
	binary.BigEndian.PutUint64(buf[64:], uint64(submittedAt.UnixNano()))
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}

func lockAttestation(ctx context.Context, tx pgx.Tx, id string) (*Attestation, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, attester, content_hash, bond_amount, submitted_at, challenge_deadline, status, challenger, challenge_reason, resolved_at
		FROM attestations
		WHERE id = $1
		FOR UPDATE
	`, id)
	a, err := scanAttestation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to lock attestation %s: %w", id, err)
	}
	return a, nil
}

func scanAttestation(row pgx.Row) (*Attestation, error) {
	var a Attestation
	var attester, status string
	var challenger *string
	var contentHash []byte
	var bond int64
	err := row.Scan(&a.ID, &attester, &contentHash, &bond, &a.SubmittedAt, &a.ChallengeDeadline, &status, &challenger, &a.ChallengeReason, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if a.Attester, err = solana.PublicKeyFromBase58(attester); err != nil {
		return nil, fmt.Errorf("failed to parse attester key %s: %w", attester, err)
	}
	if challenger != nil {
		key, err := solana.PublicKeyFromBase58(*challenger)
		if err != nil {
			return nil, fmt.Errorf("failed to parse challenger key %s: %w", *challenger, err)
		}
		a.Challenger = &key
	}
	if len(contentHash) != 32 {
		return nil, fmt.Errorf("attestation %s content hash has %d bytes, want 32", a.ID, len(contentHash))
	}
	copy(a.ContentHash[:], contentHash)
	a.BondAmount = uint64(bond)
	a.Status = Status(status)
	return &a, nil
}

func bumpStats(ctx context.Context, tx pgx.Tx, account string, valid, slashed, wins int64, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO attester_stats (account, valid_count, slashed_count, challenge_wins, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account) DO UPDATE SET
			valid_count    = attester_stats.valid_count + EXCLUDED.valid_count,
			slashed_count  = attester_stats.slashed_count + EXCLUDED.slashed_count,
			challenge_wins = attester_stats.challenge_wins + EXCLUDED.challenge_wins,
			updated_at     = EXCLUDED.updated_at
	`, account, valid, slashed, wins, now)
	if err != nil {
		return fmt.Errorf("failed to update attester stats for %s: %w", account, err)
	}
	return nil
}
