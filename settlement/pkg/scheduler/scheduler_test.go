package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/settlement/pkg/distribute"
	"github.com/malbeclabs/clearing/settlement/pkg/epoch"
	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/notify"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
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

var operatorCap = settlement.Capability{Actor: testPK(50), Role: settlement.RoleOperator}

func newTestEngine(t *testing.T) (*settlement.Engine, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testStart)
	e, err := settlement.New(context.Background(), settlement.Config{
		Logger:      clearingtesting.NewLogger(),
		Clock:       clock,
		Pool:        testPool(t),
		RewardToken: testPK(9),
		Operators:   []solana.PublicKey{testPK(50)},
	})
	require.NoError(t, err)
	return e, clock
}

func testFeePool(t *testing.T) *distribute.FeePool {
	t.Helper()

	pool, err := distribute.NewFeePool(distribute.FeePoolConfig{
		Logger:       clearingtesting.NewLogger(),
		Treasury:     testPK(90),
		OperatorPool: testPK(91),
	})
	require.NoError(t, err)
	return pool
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = clearingtesting.NewLogger()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// recordReceipt ingests one receipt into the current epoch.
func recordReceipt(t *testing.T, e *settlement.Engine, paymentID string, merchant solana.PublicKey, amount, fee uint64) {
	t.Helper()

	agent := testPK(4)
	_, err := e.RecordReceipt(context.Background(), receipt.Receipt{
		PaymentID:   paymentID,
		Payer:       testPK(1),
		Merchant:    merchant,
		Agent:       &agent,
		Token:       testPK(9),
		Amount:      amount,
		ProtocolFee: fee,
		PaidAt:      testStart,
	})
	require.NoError(t, err)
}

type captureSink struct {
	events []settlement.Event
}

func (c *captureSink) Notify(ctx context.Context, ev settlement.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestClearing_Settlement_Scheduler_New(t *testing.T) {
	t.Parallel()

	t.Run("fails without a logger", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t)
		_, err := New(Config{Engine: e})
		require.ErrorContains(t, err, "logger is required")
	})

	t.Run("fails without an engine", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{Logger: clearingtesting.NewLogger()})
		require.ErrorContains(t, err, "engine is required")
	})

	t.Run("requires a fee pool for auto-settle", func(t *testing.T) {
		t.Parallel()

		e, _ := newTestEngine(t)
		_, err := New(Config{
			Logger:     clearingtesting.NewLogger(),
			Engine:     e,
			AutoSettle: true,
		})
		require.ErrorContains(t, err, "fee pool is required")
	})

	t.Run("creates a scheduler with valid config", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		s, err := New(Config{
			Logger:     clearingtesting.NewLogger(),
			Clock:      clock,
			Engine:     e,
			Operator:   operatorCap,
			AutoSettle: true,
			FeePool:    testFeePool(t),
		})
		require.NoError(t, err)
		require.NotNil(t, s)
	})
}

func TestClearing_Settlement_Scheduler_Announce(t *testing.T) {
	t.Parallel()

	t.Run("does nothing while the epoch is open", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		sink := &captureSink{}
		s := newTestScheduler(t, Config{
			Clock:    clock,
			Engine:   e,
			Operator: operatorCap,
			Sinks:    []notify.Sink{sink},
		})

		require.NoError(t, s.Check(context.Background()))

		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(1), cur.ID)
		require.False(t, cur.Finalized)
		require.Empty(t, sink.events)
	})

	t.Run("announces an ended epoch exactly once", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		sink := &captureSink{}
		s := newTestScheduler(t, Config{
			Clock:    clock,
			Engine:   e,
			Operator: operatorCap,
			Sinks:    []notify.Sink{sink},
		})

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		require.NoError(t, s.Check(context.Background()))
		require.NoError(t, s.Check(context.Background()))

		require.Len(t, sink.events, 1)
		require.Equal(t, settlement.EventEpochEnded, sink.events[0].Type)
		require.Equal(t, uint64(1), sink.events[0].EpochID)

		// The epoch itself is untouched: settlement stays with the operator.
		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(1), cur.ID)
		require.False(t, cur.Finalized)
	})

	t.Run("announces again for the next epoch", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		sink := &captureSink{}
		s := newTestScheduler(t, Config{
			Clock:    clock,
			Engine:   e,
			Operator: operatorCap,
			Sinks:    []notify.Sink{sink},
		})

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		require.NoError(t, s.Check(context.Background()))

		c, err := merkle.Build([]merkle.RewardEntry{{Address: testPK(7), Amount: 5, EpochID: 1}})
		require.NoError(t, err)
		require.NoError(t, e.Finalize(context.Background(), operatorCap, 1, c.Root(), uint64(c.EntryCount()), c.Total()))
		_, err = e.Advance(context.Background(), operatorCap)
		require.NoError(t, err)

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		require.NoError(t, s.Check(context.Background()))

		require.Len(t, sink.events, 2)
		require.Equal(t, uint64(2), sink.events[1].EpochID)
	})
}

func TestClearing_Settlement_Scheduler_AutoSettle(t *testing.T) {
	t.Parallel()

	t.Run("settles an ended epoch end to end", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		pool := testFeePool(t)
		s := newTestScheduler(t, Config{
			Clock:      clock,
			Engine:     e,
			Operator:   operatorCap,
			AutoSettle: true,
			FeePool:    pool,
		})

		recordReceipt(t, e, "pay-001", testPK(2), 60_000, 6_000)
		recordReceipt(t, e, "pay-002", testPK(3), 40_000, 4_000)

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		require.NoError(t, s.Check(context.Background()))

		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(2), cur.ID)
		require.False(t, cur.Finalized)

		settled, err := e.GetEpoch(context.Background(), 1)
		require.NoError(t, err)
		require.True(t, settled.Finalized)
		require.NotNil(t, settled.MerkleRoot)
		require.Equal(t, uint64(10_000), settled.TotalRewards)

		commit, err := e.Commitment(context.Background(), 1, testPK(9))
		require.NoError(t, err)
		require.Equal(t, uint64(5), commit.EntryCount)
		require.Equal(t, uint64(10_000), commit.TotalAmount)

		// The stored root matches a deterministic rebuild, so claims verify
		// against proofs generated from the same totals.
		totals, err := e.AccountTotals(context.Background(), 1, testPK(9))
		require.NoError(t, err)
		entries, err := pool.BuildEntries(1, totals, distribute.TotalFees(totals))
		require.NoError(t, err)
		c, err := merkle.Build(entries)
		require.NoError(t, err)
		require.Equal(t, c.Root(), *settled.MerkleRoot)

		proof, err := c.ProofFor(testPK(2))
		require.NoError(t, err)
		inst, err := e.Claim(context.Background(), 1, testPK(9), testPK(2), 1_800, proof)
		require.NoError(t, err)
		require.Equal(t, uint64(1_800), inst.Amount)
	})

	t.Run("settles an empty epoch", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		s := newTestScheduler(t, Config{
			Clock:      clock,
			Engine:     e,
			Operator:   operatorCap,
			AutoSettle: true,
			FeePool:    testFeePool(t),
		})

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		require.NoError(t, s.Check(context.Background()))

		commit, err := e.Commitment(context.Background(), 1, testPK(9))
		require.NoError(t, err)
		require.Equal(t, uint64(1), commit.EntryCount)
		require.Equal(t, uint64(0), commit.TotalAmount)

		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(2), cur.ID)
	})

	t.Run("advances an epoch an operator already finalized", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		s := newTestScheduler(t, Config{
			Clock:      clock,
			Engine:     e,
			Operator:   operatorCap,
			AutoSettle: true,
			FeePool:    testFeePool(t),
		})

		c, err := merkle.Build([]merkle.RewardEntry{{Address: testPK(7), Amount: 123, EpochID: 1}})
		require.NoError(t, err)
		require.NoError(t, e.Finalize(context.Background(), operatorCap, 1, c.Root(), uint64(c.EntryCount()), c.Total()))

		clock.Advance(epoch.DefaultEpochDuration + time.Minute)
		require.NoError(t, s.Check(context.Background()))

		// The operator's root stands; the scheduler only advanced.
		settled, err := e.GetEpoch(context.Background(), 1)
		require.NoError(t, err)
		require.Equal(t, c.Root(), *settled.MerkleRoot)
		require.Equal(t, uint64(123), settled.TotalRewards)

		cur, err := e.CurrentEpoch(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(2), cur.ID)
	})

	t.Run("settles consecutive epochs", func(t *testing.T) {
		t.Parallel()

		e, clock := newTestEngine(t)
		s := newTestScheduler(t, Config{
			Clock:      clock,
			Engine:     e,
			Operator:   operatorCap,
			AutoSettle: true,
			FeePool:    testFeePool(t),
		})

		for want := uint64(2); want <= 4; want++ {
			clock.Advance(epoch.DefaultEpochDuration + time.Minute)
			require.NoError(t, s.Check(context.Background()))

			cur, err := e.CurrentEpoch(context.Background())
			require.NoError(t, err)
			require.Equal(t, want, cur.ID)
		}
	})
}
