// Package settlement composes the receipt, epoch, claim, and attestation
// stores into a single engine. Privileged operations take an explicit
// Capability; everything else is open and the stores enforce their own
// invariants.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/clearing/settlement/pkg/attest"
	"github.com/malbeclabs/clearing/settlement/pkg/claim"
	"github.com/malbeclabs/clearing/settlement/pkg/epoch"
	"github.com/malbeclabs/clearing/settlement/pkg/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/payout"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
)

const DefaultEventBuffer = 256

type Role string

const (
	RoleOperator Role = "operator"
	RoleArbiter  Role = "arbiter"
)

// Capability names the actor a privileged call runs as. The engine checks
// the actor against the configured key set for the role; there is no
// ambient permission state.
type Capability struct {
	Actor solana.PublicKey
	Role  Role
}

// ErrUnauthorized is returned when a capability does not cover the
// requested operation.
var ErrUnauthorized = errors.New("settlement: capability not authorized")

// Store sentinels re-exported so engine callers can match errors without
// importing every store package. The NotFound sentinels stay distinct per
// entity.
var (
	ErrInvalidReceipt   = receipt.ErrInvalidReceipt
	ErrDuplicateReceipt = receipt.ErrDuplicateReceipt
	ErrReceiptNotFound  = receipt.ErrNotFound

	ErrUnknownEpoch             = epoch.ErrUnknownEpoch
	ErrAlreadyFinalized         = epoch.ErrAlreadyFinalized
	ErrInvalidRoot              = epoch.ErrInvalidRoot
	ErrEpochNotEnded            = epoch.ErrEpochNotEnded
	ErrCurrentEpochNotFinalized = epoch.ErrCurrentEpochNotFinalized
	ErrInvalidDuration          = epoch.ErrInvalidDuration
	ErrNoCommitment             = epoch.ErrNoCommitment

	ErrAlreadyClaimed = claim.ErrAlreadyClaimed
	ErrRootNotSet     = claim.ErrRootNotSet
	ErrInvalidProof   = claim.ErrInvalidProof

	ErrAttestationExists     = attest.ErrAttestationExists
	ErrAttestationNotFound   = attest.ErrNotFound
	ErrEmptyContentHash      = attest.ErrEmptyContentHash
	ErrBondTooLow            = attest.ErrBondTooLow
	ErrInvalidStatus         = attest.ErrInvalidStatus
	ErrChallengeWindowClosed = attest.ErrChallengeWindowClosed
	ErrChallengeWindowOpen   = attest.ErrChallengeWindowOpen
	ErrSelfChallenge         = attest.ErrSelfChallenge
	ErrNotAttester           = attest.ErrUnauthorized
	ErrNoBond                = attest.ErrNoBond
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool

	// RewardToken is the token Finalize records commitments under.
	RewardToken solana.PublicKey

	// BondToken denominates attestation bonds. Defaults to RewardToken.
	BondToken solana.PublicKey

	// Operators may finalize and advance epochs and change the epoch
	// duration. Arbiters may resolve challenged attestations.
	Operators []solana.PublicKey
	Arbiters  []solana.PublicKey

	// EpochDuration seeds the epoch settings on first boot.
	EpochDuration time.Duration

	ChallengePeriod time.Duration
	MinBond         uint64
	SlashBps        uint64

	// EventBuffer caps the outward event channel.
	EventBuffer int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.RewardToken.IsZero() {
		return errors.New("reward token is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BondToken.IsZero() {
		cfg.BondToken = cfg.RewardToken
	}
	if cfg.ChallengePeriod == 0 {
		cfg.ChallengePeriod = attest.DefaultChallengePeriod
	}
	if cfg.SlashBps == 0 {
		cfg.SlashBps = attest.DefaultSlashBps
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config

	receipts *receipt.Store
	epochs   *epoch.Store
	claims   *claim.Store
	attests  *attest.Store
	payouts  *payout.Store

	operators map[solana.PublicKey]struct{}
	arbiters  map[solana.PublicKey]struct{}

	events chan Event
}

// New builds the engine and bootstraps the epoch ledger, creating epoch 1
// on a fresh database.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	epochs, err := epoch.NewStore(epoch.StoreConfig{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Pool:            cfg.Pool,
		DefaultDuration: cfg.EpochDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create epoch store: %w", err)
	}
	if err := epochs.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap epoch store: %w", err)
	}

	receipts, err := receipt.NewStore(receipt.StoreConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Pool:   cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt store: %w", err)
	}

	claims, err := claim.NewStore(claim.StoreConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Pool:   cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create claim store: %w", err)
	}

	attests, err := attest.NewStore(attest.StoreConfig{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Pool:            cfg.Pool,
		BondToken:       cfg.BondToken,
		ChallengePeriod: cfg.ChallengePeriod,
		MinBond:         cfg.MinBond,
		SlashBps:        cfg.SlashBps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attestation store: %w", err)
	}

	payouts, err := payout.NewStore(payout.StoreConfig{
		Logger: cfg.Logger,
		Pool:   cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payout store: %w", err)
	}

	e := &Engine{
		log: cfg.Logger,
		cfg: cfg,

		receipts: receipts,
		epochs:   epochs,
		claims:   claims,
		attests:  attests,
		payouts:  payouts,

		operators: keySet(cfg.Operators),
		arbiters:  keySet(cfg.Arbiters),

		events: make(chan Event, cfg.EventBuffer),
	}

	cur, err := e.epochs.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current epoch: %w", err)
	}
	metrics.CurrentEpochID.Set(float64(cur.ID))
	e.log.Info("settlement: engine ready", "current_epoch", cur.ID, "reward_token", cfg.RewardToken)

	return e, nil
}

func keySet(keys []solana.PublicKey) map[solana.PublicKey]struct{} {
	set := make(map[solana.PublicKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func (e *Engine) authorize(as Capability, role Role) error {
	if as.Role != role {
		return fmt.Errorf("%w: %s role required", ErrUnauthorized, role)
	}
	var allowed map[solana.PublicKey]struct{}
	switch role {
	case RoleOperator:
		allowed = e.operators
	case RoleArbiter:
		allowed = e.arbiters
	}
	if _, ok := allowed[as.Actor]; !ok {
		return fmt.Errorf("%w: %s is not a configured %s", ErrUnauthorized, as.Actor, role)
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock.Now().UTC()
}

// RecordReceipt ingests a finalized payment receipt. A receipt without an
// epoch id is stamped with the current epoch before insert. Returns the
// receipt as persisted.
func (e *Engine) RecordReceipt(ctx context.Context, r receipt.Receipt) (*receipt.Receipt, error) {
	if r.EpochID == 0 {
		cur, err := e.epochs.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current epoch: %w", err)
		}
		r.EpochID = cur.ID
	}
	if err := e.receipts.Record(ctx, r); err != nil {
		metrics.ReceiptsRecordedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ReceiptsRecordedTotal.WithLabelValues("ok").Inc()
	e.emit(Event{
		Type:      EventReceiptRecorded,
		At:        e.now(),
		EpochID:   r.EpochID,
		PaymentID: r.PaymentID,
		Account:   r.Payer,
		Token:     r.Token,
		Amount:    r.Amount,
	})
	return e.receipts.Get(ctx, r.PaymentID)
}

func (e *Engine) GetReceipt(ctx context.Context, paymentID string) (*receipt.Receipt, error) {
	return e.receipts.Get(ctx, paymentID)
}

func (e *Engine) ListReceipts(ctx context.Context, epochID uint64, limit, offset int) ([]*receipt.Receipt, error) {
	return e.receipts.List(ctx, epochID, limit, offset)
}

func (e *Engine) EpochStats(ctx context.Context, epochID uint64) (receipt.EpochStats, error) {
	return e.receipts.GetEpochStats(ctx, epochID)
}

// AccountTotals returns the per-participant running totals that feed reward
// aggregation for an ended epoch.
func (e *Engine) AccountTotals(ctx context.Context, epochID uint64, token solana.PublicKey) ([]receipt.AccountTotal, error) {
	return e.receipts.AccountTotals(ctx, epochID, token)
}

// Finalize records the merkle commitment for an epoch under the configured
// reward token and stamps the epoch record. Operator capability required.
// A second finalize fails even with an identical root.
func (e *Engine) Finalize(ctx context.Context, as Capability, epochID uint64, root [32]byte, entryCount, totalRewards uint64) error {
	if err := e.authorize(as, RoleOperator); err != nil {
		return err
	}
	if err := e.epochs.Finalize(ctx, epochID, e.cfg.RewardToken, root, entryCount, totalRewards); err != nil {
		metrics.EpochTransitionsTotal.WithLabelValues("finalize", "error").Inc()
		return err
	}
	metrics.EpochTransitionsTotal.WithLabelValues("finalize", "ok").Inc()
	e.emit(Event{
		Type:    EventEpochFinalized,
		At:      e.now(),
		EpochID: epochID,
		Token:   e.cfg.RewardToken,
		Amount:  totalRewards,
	})
	return nil
}

// Advance moves to the next epoch once the current one has ended and been
// finalized. Operator capability required.
func (e *Engine) Advance(ctx context.Context, as Capability) (*epoch.EpochRecord, error) {
	if err := e.authorize(as, RoleOperator); err != nil {
		return nil, err
	}
	next, err := e.epochs.Advance(ctx)
	if err != nil {
		metrics.EpochTransitionsTotal.WithLabelValues("advance", "error").Inc()
		return nil, err
	}
	metrics.EpochTransitionsTotal.WithLabelValues("advance", "ok").Inc()
	metrics.CurrentEpochID.Set(float64(next.ID))
	e.emit(Event{
		Type:    EventEpochAdvanced,
		At:      e.now(),
		EpochID: next.ID,
	})
	return next, nil
}

// SetEpochDuration changes the duration applied to epochs created after
// this call. Operator capability required.
func (e *Engine) SetEpochDuration(ctx context.Context, as Capability, d time.Duration) error {
	if err := e.authorize(as, RoleOperator); err != nil {
		return err
	}
	return e.epochs.SetDuration(ctx, d)
}

func (e *Engine) CanAdvance(ctx context.Context) (bool, error) {
	return e.epochs.CanAdvance(ctx)
}

// RewardToken returns the mint commitments and claims settle in.
func (e *Engine) RewardToken() solana.PublicKey {
	return e.cfg.RewardToken
}

// BondToken returns the mint attestation bonds are denominated in.
func (e *Engine) BondToken() solana.PublicKey {
	return e.cfg.BondToken
}

// MinBond returns the minimum for bonded attestation submissions.
func (e *Engine) MinBond() uint64 {
	return e.cfg.MinBond
}

// ChallengePeriod returns the dispute window opened by each submission.
func (e *Engine) ChallengePeriod() time.Duration {
	return e.cfg.ChallengePeriod
}

// SlashBps returns the slashed-bond share awarded to a successful
// challenger, in basis points.
func (e *Engine) SlashBps() uint64 {
	return e.cfg.SlashBps
}

func (e *Engine) CurrentEpoch(ctx context.Context) (*epoch.EpochRecord, error) {
	return e.epochs.Current(ctx)
}

func (e *Engine) GetEpoch(ctx context.Context, epochID uint64) (*epoch.EpochRecord, error) {
	return e.epochs.Get(ctx, epochID)
}

func (e *Engine) EpochDuration(ctx context.Context) (time.Duration, error) {
	return e.epochs.Duration(ctx)
}

func (e *Engine) Commitment(ctx context.Context, epochID uint64, token solana.PublicKey) (*epoch.Commitment, error) {
	return e.epochs.Commitment(ctx, epochID, token)
}

// Claim settles one committed reward. The proof must verify against the
// commitment stored for (epochID, token).
func (e *Engine) Claim(ctx context.Context, epochID uint64, token, account solana.PublicKey, amount uint64, proof [][32]byte) (*payout.Instruction, error) {
	inst, err := e.claims.Claim(ctx, epochID, token, account, amount, proof)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("single", "error").Inc()
		return nil, err
	}
	metrics.ClaimsTotal.WithLabelValues("single", "ok").Inc()
	metrics.ClaimedAmountTotal.Add(float64(inst.Amount))
	e.emit(Event{
		Type:    EventClaimSettled,
		At:      e.now(),
		EpochID: epochID,
		Account: account,
		Token:   token,
		Amount:  inst.Amount,
	})
	return inst, nil
}

// ClaimBatch settles the eligible subset of entries and skips the rest. A
// batch with nothing eligible returns a nil instruction.
func (e *Engine) ClaimBatch(ctx context.Context, entries []claim.Entry, token, account solana.PublicKey) (*payout.Instruction, error) {
	inst, err := e.claims.ClaimBatch(ctx, entries, token, account)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("batch", "error").Inc()
		return nil, err
	}
	metrics.ClaimsTotal.WithLabelValues("batch", "ok").Inc()
	if inst != nil {
		metrics.ClaimedAmountTotal.Add(float64(inst.Amount))
		e.emit(Event{
			Type:    EventClaimSettled,
			At:      e.now(),
			Account: account,
			Token:   token,
			Amount:  inst.Amount,
		})
	}
	return inst, nil
}

func (e *Engine) CanClaim(ctx context.Context, epochID uint64, token, account solana.PublicKey, amount uint64, proof [][32]byte) (bool, error) {
	return e.claims.CanClaim(ctx, epochID, token, account, amount, proof)
}

func (e *Engine) IsClaimed(ctx context.Context, epochID uint64, token, account solana.PublicKey) (bool, error) {
	return e.claims.IsClaimed(ctx, epochID, token, account)
}

func (e *Engine) Cumulative(ctx context.Context, account, token solana.PublicKey) (uint64, error) {
	return e.claims.Cumulative(ctx, account, token)
}

func (e *Engine) Claimed(ctx context.Context, token, account solana.PublicKey) ([]claim.Record, error) {
	return e.claims.Claimed(ctx, token, account)
}

// SubmitAttestation stakes an optional bond behind a content hash and opens
// the challenge window.
func (e *Engine) SubmitAttestation(ctx context.Context, attester solana.PublicKey, contentHash [32]byte, bond uint64) (*attest.Attestation, error) {
	a, err := e.attests.Submit(ctx, attester, contentHash, bond)
	if err != nil {
		metrics.AttestationTransitionsTotal.WithLabelValues("submit", "error").Inc()
		return nil, err
	}
	metrics.AttestationTransitionsTotal.WithLabelValues("submit", "ok").Inc()
	e.emit(Event{
		Type:          EventAttestationSubmitted,
		At:            e.now(),
		AttestationID: a.ID,
		Account:       attester,
		Amount:        bond,
		Status:        string(a.Status),
	})
	return a, nil
}

// Challenge disputes a pending attestation inside its challenge window.
func (e *Engine) Challenge(ctx context.Context, id string, challenger solana.PublicKey, reason string) (*attest.Attestation, error) {
	a, err := e.attests.Challenge(ctx, id, challenger, reason)
	if err != nil {
		metrics.AttestationTransitionsTotal.WithLabelValues("challenge", "error").Inc()
		return nil, err
	}
	metrics.AttestationTransitionsTotal.WithLabelValues("challenge", "ok").Inc()
	e.emit(Event{
		Type:          EventAttestationChallenged,
		At:            e.now(),
		AttestationID: a.ID,
		Account:       challenger,
		Status:        string(a.Status),
	})
	return a, nil
}

// Arbitrate resolves a challenged attestation. Arbiter capability required.
// A successful challenge slashes the bond between challenger and attester;
// a failed one validates the attestation with the bond left escrowed.
func (e *Engine) Arbitrate(ctx context.Context, as Capability, id string, challengeSucceeded bool) (*attest.Attestation, []payout.Instruction, error) {
	if err := e.authorize(as, RoleArbiter); err != nil {
		return nil, nil, err
	}
	a, instructions, err := e.attests.Arbitrate(ctx, id, challengeSucceeded)
	if err != nil {
		metrics.AttestationTransitionsTotal.WithLabelValues("arbitrate", "error").Inc()
		return nil, nil, err
	}
	metrics.AttestationTransitionsTotal.WithLabelValues("arbitrate", "ok").Inc()
	e.emit(Event{
		Type:          EventAttestationResolved,
		At:            e.now(),
		AttestationID: a.ID,
		Account:       a.Attester,
		Amount:        a.BondAmount,
		Status:        string(a.Status),
	})
	return a, instructions, nil
}

// Validate finalizes a pending attestation whose challenge window has
// passed. Open to anyone.
func (e *Engine) Validate(ctx context.Context, id string) (*attest.Attestation, error) {
	a, err := e.attests.Validate(ctx, id)
	if err != nil {
		metrics.AttestationTransitionsTotal.WithLabelValues("validate", "error").Inc()
		return nil, err
	}
	metrics.AttestationTransitionsTotal.WithLabelValues("validate", "ok").Inc()
	e.emit(Event{
		Type:          EventAttestationResolved,
		At:            e.now(),
		AttestationID: a.ID,
		Account:       a.Attester,
		Status:        string(a.Status),
	})
	return a, nil
}

// WithdrawBond releases the bond of a validated attestation to its
// attester.
func (e *Engine) WithdrawBond(ctx context.Context, id string, caller solana.PublicKey) (*attest.Attestation, *payout.Instruction, error) {
	a, inst, err := e.attests.WithdrawBond(ctx, id, caller)
	if err != nil {
		metrics.AttestationTransitionsTotal.WithLabelValues("withdraw", "error").Inc()
		return nil, nil, err
	}
	metrics.AttestationTransitionsTotal.WithLabelValues("withdraw", "ok").Inc()
	e.emit(Event{
		Type:          EventBondWithdrawn,
		At:            e.now(),
		AttestationID: a.ID,
		Account:       a.Attester,
		Token:         inst.Token,
		Amount:        inst.Amount,
		Status:        string(a.Status),
	})
	return a, inst, nil
}

func (e *Engine) GetAttestation(ctx context.Context, id string) (*attest.Attestation, error) {
	return e.attests.Get(ctx, id)
}

func (e *Engine) AttesterStats(ctx context.Context, account solana.PublicKey) (attest.AttesterStats, error) {
	return e.attests.Stats(ctx, account)
}

// ListPayouts returns payout instructions recorded for an account, newest
// first.
func (e *Engine) ListPayouts(ctx context.Context, account solana.PublicKey, limit, offset int) ([]payout.Instruction, error) {
	return e.payouts.ListByAccount(ctx, account, limit, offset)
}
