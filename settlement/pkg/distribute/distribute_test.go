package distribute_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/settlement/pkg/distribute"
	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
	clearingtesting "github.com/malbeclabs/clearing/utils/pkg/testing"
)

// testPK creates a deterministic public key from an integer identifier
func testPK(n int) solana.PublicKey {
	bytes := make([]byte, 32)
	for i := range bytes {
		bytes[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(bytes)
}

func testPool(t *testing.T) *distribute.FeePool {
	t.Helper()

	pool, err := distribute.NewFeePool(distribute.FeePoolConfig{
		Logger:       clearingtesting.NewLogger(),
		Treasury:     testPK(90),
		OperatorPool: testPK(91),
	})
	require.NoError(t, err)
	return pool
}

func entrySum(entries []merkle.RewardEntry) uint64 {
	var sum uint64
	for _, e := range entries {
		sum += e.Amount
	}
	return sum
}

func TestClearing_Settlement_Distribute_NewFeePool(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			pool, err := distribute.NewFeePool(distribute.FeePoolConfig{})
			require.Error(t, err)
			require.Nil(t, pool)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing treasury", func(t *testing.T) {
			t.Parallel()
			pool, err := distribute.NewFeePool(distribute.FeePoolConfig{
				Logger: clearingtesting.NewLogger(),
			})
			require.ErrorIs(t, err, distribute.ErrNoTreasury)
			require.Nil(t, pool)
		})

		t.Run("missing operator pool", func(t *testing.T) {
			t.Parallel()
			pool, err := distribute.NewFeePool(distribute.FeePoolConfig{
				Logger:   clearingtesting.NewLogger(),
				Treasury: testPK(90),
			})
			require.ErrorIs(t, err, distribute.ErrNoOperator)
			require.Nil(t, pool)
		})

		t.Run("shares that do not sum to 10000", func(t *testing.T) {
			t.Parallel()
			pool, err := distribute.NewFeePool(distribute.FeePoolConfig{
				Logger:       clearingtesting.NewLogger(),
				Treasury:     testPK(90),
				OperatorPool: testPK(91),
				TreasuryBps:  5_000,
				RebateBps:    5_001,
			})
			require.Error(t, err)
			require.Nil(t, pool)
			require.Contains(t, err.Error(), "sum to 10001")
		})
	})

	t.Run("returns pool when config is valid", func(t *testing.T) {
		t.Parallel()
		require.NotNil(t, testPool(t))
	})
}

func TestClearing_Settlement_Distribute_BuildEntries(t *testing.T) {
	t.Parallel()

	t.Run("splits fees across treasury, rebates, commissions, and operators", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		totals := []receipt.AccountTotal{
			{Account: testPK(1), Role: receipt.RolePayer, Volume: 15_000},
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 600},
			{Account: testPK(3), Role: receipt.RoleMerchant, Volume: 400},
			{Account: testPK(4), Role: receipt.RoleAgent, Volume: 1_000},
		}

		entries, err := pool.BuildEntries(7, totals, 10_000)
		require.NoError(t, err)
		require.Equal(t, uint64(10_000), entrySum(entries), "every fee unit is distributed")

		require.Equal(t, []merkle.RewardEntry{
			{Address: testPK(2), Amount: 1_800, EpochID: 7},
			{Address: testPK(3), Amount: 1_200, EpochID: 7},
			{Address: testPK(4), Amount: 2_000, EpochID: 7},
			{Address: testPK(90), Amount: 4_000, EpochID: 7},
			{Address: testPK(91), Amount: 1_000, EpochID: 7},
		}, entries)
	})

	t.Run("bytewise-last participant absorbs the bucket remainder", func(t *testing.T) {
		t.Parallel()

		pool, err := distribute.NewFeePool(distribute.FeePoolConfig{
			Logger:       clearingtesting.NewLogger(),
			Treasury:     testPK(90),
			OperatorPool: testPK(91),
			RebateBps:    10_000,
		})
		require.NoError(t, err)

		totals := []receipt.AccountTotal{
			{Account: testPK(1), Role: receipt.RoleMerchant, Volume: 1},
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 1},
			{Account: testPK(3), Role: receipt.RoleMerchant, Volume: 1},
		}

		entries, err := pool.BuildEntries(1, totals, 100)
		require.NoError(t, err)
		require.Equal(t, []merkle.RewardEntry{
			{Address: testPK(1), Amount: 33, EpochID: 1},
			{Address: testPK(2), Amount: 33, EpochID: 1},
			{Address: testPK(3), Amount: 34, EpochID: 1},
		}, entries)
	})

	t.Run("folds buckets with no participants into the treasury", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		totals := []receipt.AccountTotal{
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 500},
		}

		// No agents, so the commission bucket lands in the treasury.
		entries, err := pool.BuildEntries(1, totals, 10_000)
		require.NoError(t, err)
		require.Equal(t, []merkle.RewardEntry{
			{Address: testPK(2), Amount: 3_000, EpochID: 1},
			{Address: testPK(90), Amount: 6_000, EpochID: 1},
			{Address: testPK(91), Amount: 1_000, EpochID: 1},
		}, entries)
	})

	t.Run("merges shares for an account with several roles", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		totals := []receipt.AccountTotal{
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 500},
			{Account: testPK(2), Role: receipt.RoleAgent, Volume: 500},
		}

		entries, err := pool.BuildEntries(1, totals, 10_000)
		require.NoError(t, err)
		require.Equal(t, []merkle.RewardEntry{
			{Address: testPK(2), Amount: 5_000, EpochID: 1},
			{Address: testPK(90), Amount: 4_000, EpochID: 1},
			{Address: testPK(91), Amount: 1_000, EpochID: 1},
		}, entries)
	})

	t.Run("keeps zero-fee epochs finalizable", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)

		entries, err := pool.BuildEntries(3, nil, 0)
		require.NoError(t, err)
		require.Equal(t, []merkle.RewardEntry{
			{Address: testPK(90), Amount: 0, EpochID: 3},
		}, entries)

		c, err := merkle.Build(entries)
		require.NoError(t, err)
		require.NotEqual(t, merkle.ZeroRoot, c.Root())
	})

	t.Run("commits cleanly through the merkle engine", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		totals := []receipt.AccountTotal{
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 123},
			{Account: testPK(3), Role: receipt.RoleMerchant, Volume: 456},
			{Account: testPK(4), Role: receipt.RoleAgent, Volume: 42},
		}

		entries, err := pool.BuildEntries(5, totals, 99_991)
		require.NoError(t, err)

		c, err := merkle.Build(entries)
		require.NoError(t, err)
		require.Equal(t, entrySum(entries), c.Total())
		for _, entry := range entries {
			proof, err := c.ProofFor(entry.Address)
			require.NoError(t, err)
			require.True(t, merkle.Verify(c.Root(), entry.Address, entry.Amount, proof))
		}
	})
}

func TestClearing_Settlement_Distribute_TotalFees(t *testing.T) {
	t.Parallel()

	t.Run("counts each receipt's fee once", func(t *testing.T) {
		t.Parallel()

		// One receipt writes its fee to every participant row; only the
		// payer rows carry the pool.
		totals := []receipt.AccountTotal{
			{Account: testPK(1), Role: receipt.RolePayer, Volume: 1_000, Fees: 100},
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 1_000, Fees: 100},
			{Account: testPK(4), Role: receipt.RoleAgent, Volume: 1_000, Fees: 100},
			{Account: testPK(5), Role: receipt.RolePayer, Volume: 400, Fees: 40},
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 400, Fees: 40},
		}
		require.Equal(t, uint64(140), distribute.TotalFees(totals))
	})

	t.Run("is zero without payers", func(t *testing.T) {
		t.Parallel()

		require.Zero(t, distribute.TotalFees(nil))
		require.Zero(t, distribute.TotalFees([]receipt.AccountTotal{
			{Account: testPK(2), Role: receipt.RoleMerchant, Volume: 10, Fees: 1},
		}))
	})
}
