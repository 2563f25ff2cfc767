// Package distribute turns an ended epoch's fee activity into the reward
// entry set committed by finalize. The policy lives outside the settlement
// core: the stores never depend on how rewards are computed, only on the
// commitment that results.
package distribute

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
	"github.com/malbeclabs/clearing/settlement/pkg/split"
)

// Default fee pool shares, in basis points.
const (
	DefaultTreasuryBps   = 4_000
	DefaultRebateBps     = 3_000
	DefaultCommissionBps = 2_000
	DefaultOperatorBps   = 1_000
)

var (
	ErrNoTreasury = errors.New("distribute: treasury account is required")
	ErrNoOperator = errors.New("distribute: operator pool account is required")
)

type FeePoolConfig struct {
	Logger *slog.Logger

	// Treasury receives the fixed treasury share plus any bucket that has
	// no participants. OperatorPool receives the operator share.
	Treasury     solana.PublicKey
	OperatorPool solana.PublicKey

	// Shares in basis points. All four default together when all are zero;
	// they must sum to 10000.
	TreasuryBps   uint64
	RebateBps     uint64
	CommissionBps uint64
	OperatorBps   uint64
}

func (cfg *FeePoolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Treasury.IsZero() {
		return ErrNoTreasury
	}
	if cfg.OperatorPool.IsZero() {
		return ErrNoOperator
	}
	if cfg.TreasuryBps == 0 && cfg.RebateBps == 0 && cfg.CommissionBps == 0 && cfg.OperatorBps == 0 {
		cfg.TreasuryBps = DefaultTreasuryBps
		cfg.RebateBps = DefaultRebateBps
		cfg.CommissionBps = DefaultCommissionBps
		cfg.OperatorBps = DefaultOperatorBps
	}
	sum := cfg.TreasuryBps + cfg.RebateBps + cfg.CommissionBps + cfg.OperatorBps
	if sum != split.TotalBps {
		return fmt.Errorf("fee pool shares sum to %d, want %d", sum, split.TotalBps)
	}
	return nil
}

// FeePool distributes an epoch's protocol fees four ways: a treasury share,
// merchant rebates, agent commissions, and an operator pool share. The
// rebate and commission buckets are pro-rated by volume among their
// participants.
type FeePool struct {
	log *slog.Logger
	cfg FeePoolConfig
}

func NewFeePool(cfg FeePoolConfig) (*FeePool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FeePool{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// BuildEntries computes the reward entries for an ended epoch from its
// account totals and total collected fees. The returned amounts sum to
// exactly totalFees. A zero-fee epoch yields a single zero-amount treasury
// entry so the epoch can still be finalized; the zero root stays reserved
// for epochs that were never finalized.
func (p *FeePool) BuildEntries(epochID uint64, totals []receipt.AccountTotal, totalFees uint64) ([]merkle.RewardEntry, error) {
	shares, err := split.Split(totalFees, []uint64{
		p.cfg.TreasuryBps,
		p.cfg.RebateBps,
		p.cfg.CommissionBps,
		p.cfg.OperatorBps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split fee pool: %w", err)
	}
	treasury, rebates, commissions, operators := shares[0], shares[1], shares[2], shares[3]

	amounts := map[solana.PublicKey]uint64{}
	amounts[p.cfg.Treasury] += treasury
	amounts[p.cfg.OperatorPool] += operators

	// Buckets with no participants fold into the treasury share so no fee
	// value is ever stranded.
	if leftover := allocateBucket(amounts, rebates, participants(totals, receipt.RoleMerchant)); leftover > 0 {
		amounts[p.cfg.Treasury] += leftover
	}
	if leftover := allocateBucket(amounts, commissions, participants(totals, receipt.RoleAgent)); leftover > 0 {
		amounts[p.cfg.Treasury] += leftover
	}

	entries := make([]merkle.RewardEntry, 0, len(amounts))
	for address, amount := range amounts {
		if amount == 0 {
			continue
		}
		entries = append(entries, merkle.RewardEntry{
			Address: address,
			Amount:  amount,
			EpochID: epochID,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Address[:], entries[j].Address[:]) < 0
	})

	if len(entries) == 0 {
		entries = append(entries, merkle.RewardEntry{
			Address: p.cfg.Treasury,
			Amount:  0,
			EpochID: epochID,
		})
	}

	p.log.Debug("distribute: built reward entries",
		"epoch_id", epochID, "total_fees", totalFees, "entries", len(entries),
		"treasury", treasury, "rebates", rebates, "commissions", commissions, "operators", operators)

	return entries, nil
}

// TotalFees sums the collected protocol fees over a totals set. Every
// receipt writes its fee to exactly one payer row, so the payer rows carry
// the fee pool without double counting across roles.
func TotalFees(totals []receipt.AccountTotal) uint64 {
	var fees uint64
	for _, t := range totals {
		if t.Role == receipt.RolePayer {
			fees += t.Fees
		}
	}
	return fees
}

type participant struct {
	account solana.PublicKey
	volume  uint64
}

// participants collects the accounts holding role in the totals, ordered
// bytewise by account.
func participants(totals []receipt.AccountTotal, role string) []participant {
	var out []participant
	for _, t := range totals {
		if t.Role != role || t.Volume == 0 {
			continue
		}
		out = append(out, participant{account: t.Account, volume: t.Volume})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].account[:], out[j].account[:]) < 0
	})
	return out
}

// allocateBucket pro-rates bucket by volume across parts, adding each share
// into amounts. The bytewise-last participant absorbs the rounding
// remainder. Returns the bucket untouched when there are no participants.
func allocateBucket(amounts map[solana.PublicKey]uint64, bucket uint64, parts []participant) uint64 {
	if bucket == 0 {
		return 0
	}
	if len(parts) == 0 {
		return bucket
	}

	var bucketVolume uint64
	for _, part := range parts {
		bucketVolume += part.volume
	}

	var allocated uint64
	for i, part := range parts {
		var share uint64
		if i == len(parts)-1 {
			share = bucket - allocated
		} else {
			share = mulDiv(bucket, part.volume, bucketVolume)
			allocated += share
		}
		amounts[part.account] += share
	}
	return 0
}

// mulDiv computes floor(a*b/d) with a 128-bit intermediate.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, d)
	return q
}
