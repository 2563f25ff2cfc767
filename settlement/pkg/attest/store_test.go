package attest

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/settlement/pkg/payout"
	clearingtesting "github.com/malbeclabs/clearing/utils/pkg/testing"
)

// testStart is the fixed wall time attest tests boot from.
var testStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// testPK creates a deterministic public key from an integer identifier
func testPK(n int) solana.PublicKey {
	bytes := make([]byte, 32)
	for i := range bytes {
		bytes[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(bytes)
}

// testStore returns a store with default lifecycle settings driven by clock.
func testStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()

	store, err := NewStore(StoreConfig{
		Logger:    clearingtesting.NewLogger(),
		Clock:     clock,
		Pool:      testPool(t),
		BondToken: testPK(99),
	})
	require.NoError(t, err)
	return store
}

func testHash(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestClearing_Settlement_Attest_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(StoreConfig{})
			require.Error(t, err)
			require.Nil(t, store)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing pool", func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(StoreConfig{
				Logger: clearingtesting.NewLogger(),
			})
			require.Error(t, err)
			require.Nil(t, store)
			require.Contains(t, err.Error(), "postgres pool is required")
		})

		t.Run("missing bond token", func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(StoreConfig{
				Logger: clearingtesting.NewLogger(),
				Pool:   testPool(t),
			})
			require.Error(t, err)
			require.Nil(t, store)
			require.Contains(t, err.Error(), "bond token is required")
		})

		t.Run("slash share over 100 percent", func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(StoreConfig{
				Logger:    clearingtesting.NewLogger(),
				Pool:      testPool(t),
				BondToken: testPK(99),
				SlashBps:  10_001,
			})
			require.Error(t, err)
			require.Nil(t, store)
			require.Contains(t, err.Error(), "slash bps")
		})
	})

	t.Run("returns store when config is valid", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(StoreConfig{
			Logger:    clearingtesting.NewLogger(),
			Pool:      testPool(t),
			BondToken: testPK(99),
		})
		require.NoError(t, err)
		require.NotNil(t, store)
	})
}

func TestClearing_Settlement_Attest_Submit(t *testing.T) {
	t.Parallel()

	t.Run("creates a pending attestation", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		hash := testHash("usage report 1")

		a, err := store.Submit(context.Background(), testPK(1), hash, 500)
		require.NoError(t, err)
		require.Len(t, a.ID, 64)
		require.Equal(t, StatusPending, a.Status)
		require.Equal(t, testPK(1), a.Attester)
		require.Equal(t, uint64(500), a.BondAmount)
		require.True(t, a.ChallengeDeadline.Equal(a.SubmittedAt.Add(DefaultChallengePeriod)))

		got, err := store.Get(context.Background(), a.ID)
		require.NoError(t, err)
		require.Equal(t, hash, got.ContentHash)
		require.Equal(t, StatusPending, got.Status)
		require.Nil(t, got.Challenger)
		require.Nil(t, got.ChallengeReason)
		require.Nil(t, got.ResolvedAt)
		require.WithinDuration(t, a.ChallengeDeadline, got.ChallengeDeadline, time.Microsecond)
	})

	t.Run("rejects an empty content hash", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))

		_, err := store.Submit(context.Background(), testPK(1), [32]byte{}, 0)
		require.ErrorIs(t, err, ErrEmptyContentHash)
	})

	t.Run("enforces the minimum bond when bonded", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(StoreConfig{
			Logger:    clearingtesting.NewLogger(),
			Clock:     clockwork.NewFakeClockAt(testStart),
			Pool:      testPool(t),
			BondToken: testPK(99),
			MinBond:   1_000,
		})
		require.NoError(t, err)

		hash := testHash("usage report 1")

		_, err = store.Submit(context.Background(), testPK(1), hash, 999)
		require.ErrorIs(t, err, ErrBondTooLow)

		// The minimum itself passes.
		a, err := store.Submit(context.Background(), testPK(1), hash, 1_000)
		require.NoError(t, err)
		require.Equal(t, uint64(1_000), a.BondAmount)

		// Zero-bond submissions stay allowed.
		b, err := store.Submit(context.Background(), testPK(2), hash, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(0), b.BondAmount)
	})

	t.Run("rejects duplicate submissions", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		hash := testHash("usage report 1")

		_, err := store.Submit(context.Background(), testPK(1), hash, 0)
		require.NoError(t, err)

		// Same attester, content, and time derive the same id.
		_, err = store.Submit(context.Background(), testPK(1), hash, 0)
		require.ErrorIs(t, err, ErrAttestationExists)

		clock.Advance(time.Second)
		_, err = store.Submit(context.Background(), testPK(1), hash, 0)
		require.NoError(t, err)
	})
}

func TestClearing_Settlement_Attest_Challenge(t *testing.T) {
	t.Parallel()

	t.Run("records the challenger and reason", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		got, err := store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)
		require.Equal(t, StatusChallenged, got.Status)
		require.NotNil(t, got.Challenger)
		require.Equal(t, testPK(2), *got.Challenger)
		require.NotNil(t, got.ChallengeReason)
		require.Equal(t, "usage overstated", *got.ChallengeReason)

		persisted, err := store.Get(context.Background(), a.ID)
		require.NoError(t, err)
		require.Equal(t, StatusChallenged, persisted.Status)
		require.NotNil(t, persisted.Challenger)
		require.Equal(t, testPK(2), *persisted.Challenger)
	})

	t.Run("allows a challenge at the deadline", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "last minute dispute")
		require.NoError(t, err)
	})

	t.Run("rejects challenges after the window", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod + time.Second)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "too late")
		require.ErrorIs(t, err, ErrChallengeWindowClosed)
	})

	t.Run("rejects self challenges", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		_, err = store.Challenge(context.Background(), a.ID, testPK(1), "disputing myself")
		require.ErrorIs(t, err, ErrSelfChallenge)
	})

	t.Run("requires a pending attestation", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "first dispute")
		require.NoError(t, err)

		_, err = store.Challenge(context.Background(), a.ID, testPK(3), "second dispute")
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("fails for unknown ids", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))

		_, err := store.Challenge(context.Background(), "missing", testPK(2), "nothing here")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClearing_Settlement_Attest_Arbitrate(t *testing.T) {
	t.Parallel()

	t.Run("slashes the bond when the challenge succeeds", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 101)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		got, insts, err := store.Arbitrate(context.Background(), a.ID, true)
		require.NoError(t, err)
		require.Equal(t, StatusSlashed, got.Status)
		require.NotNil(t, got.ResolvedAt)
		require.Len(t, insts, 2)

		award, refund := insts[0], insts[1]
		require.Equal(t, testPK(2), award.Account)
		require.Equal(t, uint64(50), award.Amount)
		require.Equal(t, payout.ReasonSlashAward, award.Reason)
		require.Equal(t, testPK(1), refund.Account)
		require.Equal(t, uint64(51), refund.Amount)
		require.Equal(t, payout.ReasonSlashRefund, refund.Reason)
		require.Equal(t, uint64(101), award.Amount+refund.Amount, "no value lost to rounding")

		attesterStats, err := store.Stats(context.Background(), testPK(1))
		require.NoError(t, err)
		require.Equal(t, uint64(1), attesterStats.SlashedCount)
		require.Equal(t, uint64(0), attesterStats.ValidCount)

		challengerStats, err := store.Stats(context.Background(), testPK(2))
		require.NoError(t, err)
		require.Equal(t, uint64(1), challengerStats.ChallengeWins)
	})

	t.Run("honors a configured slash share", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(StoreConfig{
			Logger:    clearingtesting.NewLogger(),
			Clock:     clockwork.NewFakeClockAt(testStart),
			Pool:      testPool(t),
			BondToken: testPK(99),
			SlashBps:  2_500,
		})
		require.NoError(t, err)

		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		_, insts, err := store.Arbitrate(context.Background(), a.ID, true)
		require.NoError(t, err)
		require.Len(t, insts, 2)
		require.Equal(t, uint64(25), insts[0].Amount)
		require.Equal(t, uint64(75), insts[1].Amount)
	})

	t.Run("omits payouts for zero shares", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)

		// A one-unit bond leaves the challenger with floor(0.5) = 0.
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 1)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		_, insts, err := store.Arbitrate(context.Background(), a.ID, true)
		require.NoError(t, err)
		require.Len(t, insts, 1)
		require.Equal(t, payout.ReasonSlashRefund, insts[0].Reason)
		require.Equal(t, uint64(1), insts[0].Amount)

		// No bond, no payouts at all.
		clock.Advance(time.Second)
		b, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 0)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), b.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		_, insts, err = store.Arbitrate(context.Background(), b.ID, true)
		require.NoError(t, err)
		require.Empty(t, insts)
	})

	t.Run("validates the attestation when the challenge fails", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 500)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		got, insts, err := store.Arbitrate(context.Background(), a.ID, false)
		require.NoError(t, err)
		require.Equal(t, StatusValidated, got.Status)
		require.Empty(t, insts)

		stats, err := store.Stats(context.Background(), testPK(1))
		require.NoError(t, err)
		require.Equal(t, uint64(1), stats.ValidCount)
		require.Equal(t, uint64(0), stats.SlashedCount)

		// The bond stays escrowed for withdrawal.
		persisted, err := store.Get(context.Background(), a.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(500), persisted.BondAmount)
	})

	t.Run("requires a challenged attestation", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		_, _, err = store.Arbitrate(context.Background(), a.ID, true)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("fails for unknown ids", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))

		_, _, err := store.Arbitrate(context.Background(), "missing", true)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClearing_Settlement_Attest_Validate(t *testing.T) {
	t.Parallel()

	t.Run("finalizes an unchallenged attestation after the window", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod + time.Second)
		got, err := store.Validate(context.Background(), a.ID)
		require.NoError(t, err)
		require.Equal(t, StatusValidated, got.Status)
		require.NotNil(t, got.ResolvedAt)

		stats, err := store.Stats(context.Background(), testPK(1))
		require.NoError(t, err)
		require.Equal(t, uint64(1), stats.ValidCount)
	})

	t.Run("fails while the window is open", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)

		_, err = store.Validate(context.Background(), a.ID)
		require.ErrorIs(t, err, ErrChallengeWindowOpen)

		// The deadline itself still belongs to the window.
		clock.Advance(DefaultChallengePeriod)
		_, err = store.Validate(context.Background(), a.ID)
		require.ErrorIs(t, err, ErrChallengeWindowOpen)

		clock.Advance(time.Millisecond)
		_, err = store.Validate(context.Background(), a.ID)
		require.NoError(t, err)
	})

	t.Run("requires a pending attestation", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 100)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod + time.Second)
		_, err = store.Validate(context.Background(), a.ID)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("fails for unknown ids", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))

		_, err := store.Validate(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClearing_Settlement_Attest_WithdrawBond(t *testing.T) {
	t.Parallel()

	t.Run("releases the bond exactly once", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 500)
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod + time.Second)
		_, err = store.Validate(context.Background(), a.ID)
		require.NoError(t, err)

		got, inst, err := store.WithdrawBond(context.Background(), a.ID, testPK(1))
		require.NoError(t, err)
		require.Equal(t, StatusWithdrawn, got.Status)
		require.Equal(t, uint64(0), got.BondAmount)
		require.NotNil(t, inst)
		require.Equal(t, testPK(1), inst.Account)
		require.Equal(t, testPK(99), inst.Token)
		require.Equal(t, uint64(500), inst.Amount)
		require.Equal(t, payout.ReasonBondWithdrawal, inst.Reason)

		// A second withdrawal finds nothing to release.
		_, _, err = store.WithdrawBond(context.Background(), a.ID, testPK(1))
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("rejects callers other than the attester", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 500)
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod + time.Second)
		_, err = store.Validate(context.Background(), a.ID)
		require.NoError(t, err)

		_, _, err = store.WithdrawBond(context.Background(), a.ID, testPK(2))
		require.ErrorIs(t, err, ErrUnauthorized)

		persisted, err := store.Get(context.Background(), a.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(500), persisted.BondAmount)
	})

	t.Run("requires a validated attestation", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 500)
		require.NoError(t, err)

		_, _, err = store.WithdrawBond(context.Background(), a.ID, testPK(1))
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("fails when no bond was posted", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(testStart)
		store := testStore(t, clock)
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 0)
		require.NoError(t, err)

		clock.Advance(DefaultChallengePeriod + time.Second)
		_, err = store.Validate(context.Background(), a.ID)
		require.NoError(t, err)

		_, _, err = store.WithdrawBond(context.Background(), a.ID, testPK(1))
		require.ErrorIs(t, err, ErrNoBond)
	})

	t.Run("releases the bond after a failed challenge", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))
		a, err := store.Submit(context.Background(), testPK(1), testHash("usage report 1"), 300)
		require.NoError(t, err)
		_, err = store.Challenge(context.Background(), a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)
		_, _, err = store.Arbitrate(context.Background(), a.ID, false)
		require.NoError(t, err)

		_, inst, err := store.WithdrawBond(context.Background(), a.ID, testPK(1))
		require.NoError(t, err)
		require.NotNil(t, inst)
		require.Equal(t, uint64(300), inst.Amount)
	})
}

func TestClearing_Settlement_Attest_Stats(t *testing.T) {
	t.Parallel()

	t.Run("returns zero stats for unknown accounts", func(t *testing.T) {
		t.Parallel()

		store := testStore(t, clockwork.NewFakeClockAt(testStart))

		stats, err := store.Stats(context.Background(), testPK(5))
		require.NoError(t, err)
		require.Equal(t, AttesterStats{Account: testPK(5)}, stats)
	})
}
