package settlement

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/settlement/pkg/attest"
	"github.com/malbeclabs/clearing/settlement/pkg/claim"
	"github.com/malbeclabs/clearing/settlement/pkg/epoch"
	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/payout"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
	clearingtesting "github.com/malbeclabs/clearing/utils/pkg/testing"
)

var testStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// testPK creates a deterministic public key from an integer identifier
func testPK(n int) solana.PublicKey {
	bytes := make([]byte, 32)
	for i := range bytes {
		bytes[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(bytes)
}

var (
	operatorCap = Capability{Actor: testPK(50), Role: RoleOperator}
	arbiterCap  = Capability{Actor: testPK(60), Role: RoleArbiter}
)

func newTestEngine(t *testing.T, buffer int) (*Engine, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testStart)
	e, err := New(context.Background(), Config{
		Logger:      clearingtesting.NewLogger(),
		Clock:       clock,
		Pool:        testPool(t),
		RewardToken: testPK(9),
		Operators:   []solana.PublicKey{testPK(50)},
		Arbiters:    []solana.PublicKey{testPK(60)},
		EventBuffer: buffer,
	})
	require.NoError(t, err)
	return e, clock
}

func testReceipt(paymentID string) receipt.Receipt {
	return receipt.Receipt{
		PaymentID:    paymentID,
		Payer:        testPK(1),
		Merchant:     testPK(2),
		Token:        testPK(9),
		Amount:       10_000,
		ProtocolFee:  250,
		PaidAt:       time.Now().UTC().Truncate(time.Microsecond),
		RouteRefHash: []byte{0xAA, 0xBB},
	}
}

func buildCommitment(t *testing.T, entries []merkle.RewardEntry) *merkle.Commitment {
	t.Helper()

	c, err := merkle.Build(entries)
	require.NoError(t, err)
	return c
}

func proofFor(t *testing.T, c *merkle.Commitment, account solana.PublicKey) [][32]byte {
	t.Helper()

	proof, err := c.ProofFor(account)
	require.NoError(t, err)
	return proof
}

// finalizeEpoch builds a commitment over entries and finalizes the epoch
// with it as the operator.
func finalizeEpoch(t *testing.T, e *Engine, epochID uint64, entries []merkle.RewardEntry) *merkle.Commitment {
	t.Helper()

	c := buildCommitment(t, entries)
	require.NoError(t, e.Finalize(context.Background(), operatorCap, epochID, c.Root(), uint64(c.EntryCount()), c.Total()))
	return c
}

// advanceEpoch moves the clock past the current epoch's end and advances as
// the operator.
func advanceEpoch(t *testing.T, e *Engine, clock *clockwork.FakeClock) *epoch.EpochRecord {
	t.Helper()

	clock.Advance(epoch.DefaultEpochDuration + time.Minute)
	next, err := e.Advance(context.Background(), operatorCap)
	require.NoError(t, err)
	return next
}

func drainEvents(e *Engine) []Event {
	var events []Event
	for {
		select {
		case ev := <-e.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestClearing_Settlement_Engine_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			e, err := New(context.Background(), Config{})
			require.Error(t, err)
			require.Nil(t, e)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing pool", func(t *testing.T) {
			t.Parallel()
			e, err := New(context.Background(), Config{
				Logger: clearingtesting.NewLogger(),
			})
			require.Error(t, err)
			require.Nil(t, e)
			require.Contains(t, err.Error(), "postgres pool is required")
		})

		t.Run("missing reward token", func(t *testing.T) {
			t.Parallel()
			e, err := New(context.Background(), Config{
				Logger: clearingtesting.NewLogger(),
				Pool:   testPool(t),
			})
			require.Error(t, err)
			require.Nil(t, e)
			require.Contains(t, err.Error(), "reward token is required")
		})
	})

	t.Run("bootstraps epoch 1 on a fresh database", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)

		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(1), cur.ID)
		require.False(t, cur.Finalized)
	})
}

func TestClearing_Settlement_Engine_RecordReceipt(t *testing.T) {
	t.Parallel()

	t.Run("stamps untagged receipts with the current epoch", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)

		recorded, err := e.RecordReceipt(context.Background(), testReceipt("pay-001"))
		require.NoError(t, err)
		require.Equal(t, uint64(1), recorded.EpochID)
		require.False(t, recorded.RecordedAt.IsZero())

		stats, err := e.EpochStats(context.Background(), 1)
		require.NoError(t, err)
		require.Equal(t, uint64(1), stats.ReceiptCount)
		require.Equal(t, uint64(10_000), stats.TotalVolume)

		events := drainEvents(e)
		require.Len(t, events, 1)
		require.Equal(t, EventReceiptRecorded, events[0].Type)
		require.Equal(t, "pay-001", events[0].PaymentID)
		require.Equal(t, uint64(1), events[0].EpochID)
	})

	t.Run("keeps explicit epoch ids", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)

		r := testReceipt("pay-001")
		r.EpochID = 1
		recorded, err := e.RecordReceipt(context.Background(), r)
		require.NoError(t, err)
		require.Equal(t, uint64(1), recorded.EpochID)
	})

	t.Run("surfaces duplicate payment ids", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)

		_, err := e.RecordReceipt(context.Background(), testReceipt("pay-001"))
		require.NoError(t, err)

		_, err = e.RecordReceipt(context.Background(), testReceipt("pay-001"))
		require.ErrorIs(t, err, ErrDuplicateReceipt)
	})
}

func TestClearing_Settlement_Engine_Capabilities(t *testing.T) {
	t.Parallel()

	t.Run("rejects actors outside the configured sets", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)
		c := buildCommitment(t, []merkle.RewardEntry{{Address: testPK(1), Amount: 100, EpochID: 1}})

		unknownOperator := Capability{Actor: testPK(7), Role: RoleOperator}
		err := e.Finalize(context.Background(), unknownOperator, 1, c.Root(), 1, 100)
		require.ErrorIs(t, err, ErrUnauthorized)

		_, err = e.Advance(context.Background(), unknownOperator)
		require.ErrorIs(t, err, ErrUnauthorized)

		err = e.SetEpochDuration(context.Background(), unknownOperator, 48*time.Hour)
		require.ErrorIs(t, err, ErrUnauthorized)

		unknownArbiter := Capability{Actor: testPK(7), Role: RoleArbiter}
		_, _, err = e.Arbitrate(context.Background(), unknownArbiter, "any", true)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("rejects capabilities with the wrong role", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)
		c := buildCommitment(t, []merkle.RewardEntry{{Address: testPK(1), Amount: 100, EpochID: 1}})

		// An arbiter key cannot finalize, and an operator key cannot
		// arbitrate.
		err := e.Finalize(context.Background(), arbiterCap, 1, c.Root(), 1, 100)
		require.ErrorIs(t, err, ErrUnauthorized)

		_, _, err = e.Arbitrate(context.Background(), operatorCap, "any", true)
		require.ErrorIs(t, err, ErrUnauthorized)

		// Nothing was written by the denied finalize.
		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.False(t, cur.Finalized)
	})

	t.Run("admits configured actors", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)

		require.NoError(t, e.SetEpochDuration(context.Background(), operatorCap, 48*time.Hour))

		d, err := e.EpochDuration(context.Background())
		require.NoError(t, err)
		require.Equal(t, 48*time.Hour, d)
	})
}

func TestClearing_Settlement_Engine_Settlement(t *testing.T) {
	t.Parallel()

	t.Run("settles an epoch end to end", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t, 0)
		ctx := context.Background()
		token := testPK(9)

		// Payment activity lands in epoch 1.
		r1 := testReceipt("pay-001")
		_, err := e.RecordReceipt(ctx, r1)
		require.NoError(t, err)

		r2 := testReceipt("pay-002")
		r2.Payer = testPK(3)
		r2.Amount = 5_000
		r2.ProtocolFee = 50
		_, err = e.RecordReceipt(ctx, r2)
		require.NoError(t, err)

		stats, err := e.EpochStats(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(2), stats.ReceiptCount)
		require.Equal(t, uint64(15_000), stats.TotalVolume)
		require.Equal(t, uint64(300), stats.TotalFees)

		// The epoch's rewards settle as 100/200/50.
		c := finalizeEpoch(t, e, 1, []merkle.RewardEntry{
			{Address: testPK(1), Amount: 100, EpochID: 1},
			{Address: testPK(2), Amount: 200, EpochID: 1},
			{Address: testPK(3), Amount: 50, EpochID: 1},
		})

		stored, err := e.Commitment(ctx, 1, token)
		require.NoError(t, err)
		require.Equal(t, c.Root(), stored.Root)
		require.Equal(t, uint64(3), stored.EntryCount)
		require.Equal(t, uint64(350), stored.TotalAmount)

		finalized, err := e.GetEpoch(ctx, 1)
		require.NoError(t, err)
		require.True(t, finalized.Finalized)
		require.Equal(t, uint64(350), finalized.TotalRewards)
		require.NotNil(t, finalized.MerkleRoot)
		require.Equal(t, c.Root(), *finalized.MerkleRoot)

		// A second finalize fails even with the same root.
		err = e.Finalize(ctx, operatorCap, 1, c.Root(), uint64(c.EntryCount()), c.Total())
		require.ErrorIs(t, err, ErrAlreadyFinalized)

		// Every participant claims exactly once.
		var paid uint64
		for _, entry := range c.Entries() {
			inst, err := e.Claim(ctx, 1, token, entry.Address, entry.Amount, proofFor(t, c, entry.Address))
			require.NoError(t, err)
			require.Equal(t, entry.Amount, inst.Amount)
			require.Equal(t, payout.ReasonClaim, inst.Reason)
			paid += inst.Amount
		}
		require.Equal(t, uint64(350), paid)

		_, err = e.Claim(ctx, 1, token, testPK(1), 100, proofFor(t, c, testPK(1)))
		require.ErrorIs(t, err, ErrAlreadyClaimed)

		// The finalized epoch closes and the next one opens.
		next := advanceEpoch(t, e, clock)
		require.Equal(t, uint64(2), next.ID)

		cur, err := e.CurrentEpoch(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(2), cur.ID)

		// The payout ledger carries one instruction per claim.
		payouts, err := e.ListPayouts(ctx, testPK(1), 10, 0)
		require.NoError(t, err)
		require.Len(t, payouts, 1)
		require.Equal(t, uint64(100), payouts[0].Amount)

		events := drainEvents(e)
		counts := map[EventType]int{}
		for _, ev := range events {
			counts[ev.Type]++
		}
		require.Equal(t, 2, counts[EventReceiptRecorded])
		require.Equal(t, 1, counts[EventEpochFinalized])
		require.Equal(t, 3, counts[EventClaimSettled], "the rejected duplicate claim emits nothing")
		require.Equal(t, 1, counts[EventEpochAdvanced])
		require.Equal(t, EventEpochAdvanced, events[len(events)-1].Type)
	})

	t.Run("requires finalize before advance", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t, 0)

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		_, err := e.Advance(context.Background(), operatorCap)
		require.ErrorIs(t, err, ErrCurrentEpochNotFinalized)
	})
}

func TestClearing_Settlement_Engine_ClaimBatch(t *testing.T) {
	t.Parallel()

	t.Run("pays eligible entries and skips the rest", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t, 0)
		ctx := context.Background()
		token := testPK(9)
		account := testPK(1)

		c1 := finalizeEpoch(t, e, 1, []merkle.RewardEntry{{Address: account, Amount: 100, EpochID: 1}})
		advanceEpoch(t, e, clock)
		c2 := finalizeEpoch(t, e, 2, []merkle.RewardEntry{{Address: account, Amount: 150, EpochID: 2}})
		advanceEpoch(t, e, clock)
		c3 := finalizeEpoch(t, e, 3, []merkle.RewardEntry{{Address: account, Amount: 70, EpochID: 3}})

		// Epoch 2 was already claimed individually.
		_, err := e.Claim(ctx, 2, token, account, 150, proofFor(t, c2, account))
		require.NoError(t, err)

		inst, err := e.ClaimBatch(ctx, []claim.Entry{
			{EpochID: 1, Amount: 100, Proof: proofFor(t, c1, account)},
			{EpochID: 2, Amount: 150, Proof: proofFor(t, c2, account)},
			{EpochID: 3, Amount: 71, Proof: proofFor(t, c3, account)},
		}, token, account)
		require.NoError(t, err)
		require.NotNil(t, inst)
		require.Equal(t, uint64(100), inst.Amount, "claimed and tampered entries are skipped")
		require.Equal(t, []uint64{1}, inst.EpochIDs)
		require.Equal(t, payout.ReasonClaimBatch, inst.Reason)

		total, err := e.Cumulative(ctx, account, token)
		require.NoError(t, err)
		require.Equal(t, uint64(250), total)

		claimed, err := e.Claimed(ctx, token, account)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
	})

	t.Run("returns no instruction for an empty batch", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)

		inst, err := e.ClaimBatch(context.Background(), nil, testPK(9), testPK(1))
		require.NoError(t, err)
		require.Nil(t, inst)

		require.Empty(t, drainEvents(e))
	})
}

func TestClearing_Settlement_Engine_Attestations(t *testing.T) {
	t.Parallel()

	t.Run("slashes a successfully challenged attestation", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 0)
		ctx := context.Background()
		hash := sha256.Sum256([]byte("usage report 1"))

		a, err := e.SubmitAttestation(ctx, testPK(1), hash, 400)
		require.NoError(t, err)

		_, err = e.Challenge(ctx, a.ID, testPK(2), "usage overstated")
		require.NoError(t, err)

		resolved, insts, err := e.Arbitrate(ctx, arbiterCap, a.ID, true)
		require.NoError(t, err)
		require.Equal(t, attest.StatusSlashed, resolved.Status)
		require.Len(t, insts, 2)
		require.Equal(t, uint64(200), insts[0].Amount)
		require.Equal(t, uint64(200), insts[1].Amount)

		stats, err := e.AttesterStats(ctx, testPK(1))
		require.NoError(t, err)
		require.Equal(t, uint64(1), stats.SlashedCount)

		events := drainEvents(e)
		require.Len(t, events, 3)
		require.Equal(t, EventAttestationSubmitted, events[0].Type)
		require.Equal(t, EventAttestationChallenged, events[1].Type)
		require.Equal(t, EventAttestationResolved, events[2].Type)
		require.Equal(t, "slashed", events[2].Status)
	})

	t.Run("recovers the full bond after an unchallenged window", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t, 0)
		ctx := context.Background()
		hash := sha256.Sum256([]byte("usage report 1"))

		a, err := e.SubmitAttestation(ctx, testPK(1), hash, 750)
		require.NoError(t, err)

		clock.Advance(attest.DefaultChallengePeriod + time.Second)
		_, err = e.Validate(ctx, a.ID)
		require.NoError(t, err)

		_, inst, err := e.WithdrawBond(ctx, a.ID, testPK(1))
		require.NoError(t, err)
		require.Equal(t, uint64(750), inst.Amount)
		require.Equal(t, testPK(9), inst.Token, "bond token defaults to the reward token")
	})
}

func TestClearing_Settlement_Engine_Events(t *testing.T) {
	t.Parallel()

	t.Run("drops the oldest events when the buffer is full", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t, 2)
		ctx := context.Background()

		for _, id := range []string{"pay-001", "pay-002", "pay-003"} {
			_, err := e.RecordReceipt(ctx, testReceipt(id))
			require.NoError(t, err)
		}

		events := drainEvents(e)
		require.Len(t, events, 2)
		require.Equal(t, "pay-002", events[0].PaymentID)
		require.Equal(t, "pay-003", events[1].PaymentID)
	})
}
