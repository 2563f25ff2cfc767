package facts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/reporting/pkg/clickhouse"
	clearingtesting "github.com/malbeclabs/clearing/utils/pkg/testing"
)

// DateTime64(3) keeps millisecond precision, so seeds truncate to survive
// the round trip through ClickHouse cursors.
var testStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestSyncer(t *testing.T, pool *pgxpool.Pool, ch clickhouse.Client, batchSize int) (*Syncer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	s, err := NewSyncer(SyncerConfig{
		Logger:       clearingtesting.NewLogger(),
		Clock:        clock,
		Pool:         pool,
		ClickHouse:   ch,
		SyncInterval: time.Minute,
		BatchSize:    batchSize,
	})
	require.NoError(t, err)
	return s, clock
}

func seedEpoch(t *testing.T, pool *pgxpool.Pool, id int64, finalized bool) {
	t.Helper()
	start := testStart.Add(time.Duration(id-1) * 24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var root []byte
	var finalizedAt *time.Time
	if finalized {
		root = []byte{0xab, 0xcd}
		finalizedAt = &end
	}
	_, err := pool.Exec(t.Context(), `
		INSERT INTO epoch_records (id, start_time, end_time, merkle_root, total_rewards, finalized, finalized_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $2)
	`, id, start, end, root, 1000, finalized, finalizedAt)
	require.NoError(t, err)
}

func seedReceipt(t *testing.T, pool *pgxpool.Pool, paymentID string, epochID int64, payer, merchant string, amount int64, recordedAt time.Time) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `
		INSERT INTO receipts (payment_id, payer, merchant, agent, token, amount, protocol_fee, paid_at, epoch_id, route_ref_hash, recorded_at)
		VALUES ($1, $2, $3, NULL, 'tok-1', $4, 10, $5, $6, $7, $5)
	`, paymentID, payer, merchant, amount, recordedAt, epochID, []byte{0x01})
	require.NoError(t, err)
}

func seedClaim(t *testing.T, pool *pgxpool.Pool, epochID int64, account string, amount int64, claimedAt time.Time) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `
		INSERT INTO claims (epoch_id, token, account, amount, claimed_at)
		VALUES ($1, 'tok-1', $2, $3, $4)
	`, epochID, account, amount, claimedAt)
	require.NoError(t, err)
}

func seedPayout(t *testing.T, pool *pgxpool.Pool, account string, amount int64, createdAt time.Time) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `
		INSERT INTO payout_instructions (id, account, token, amount, reason, epoch_ids, created_at)
		VALUES ($1, $2, 'tok-1', $3, 'claim', $4, $5)
	`, uuid.New(), account, amount, []int64{1}, createdAt)
	require.NoError(t, err)
}

func seedAttestation(t *testing.T, pool *pgxpool.Pool, id, attester, status string, submittedAt time.Time) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `
		INSERT INTO attestations (id, attester, content_hash, bond_amount, submitted_at, challenge_deadline, status)
		VALUES ($1, $2, $3, 100, $4, $5, $6)
	`, id, attester, []byte{0xde, 0xad}, submittedAt, submittedAt.Add(time.Hour), status)
	require.NoError(t, err)
}

func TestClearing_Reporting_Facts_Syncer_Sync(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	ctx := t.Context()

	seedEpoch(t, pool, 1, true)
	seedEpoch(t, pool, 2, false)
	seedReceipt(t, pool, "pay-1", 1, "payer-1", "merchant-1", 500, testStart.Add(time.Second))
	seedReceipt(t, pool, "pay-2", 1, "payer-1", "merchant-2", 200, testStart.Add(2*time.Second))
	seedReceipt(t, pool, "pay-3", 2, "payer-2", "merchant-1", 300, testStart.Add(3*time.Second))
	seedClaim(t, pool, 1, "merchant-1", 450, testStart.Add(25*time.Hour))
	seedPayout(t, pool, "merchant-1", 450, testStart.Add(25*time.Hour))
	seedAttestation(t, pool, "att-1", "attester-1", "pending", testStart.Add(time.Minute))

	require.False(t, s.Ready())
	require.NoError(t, s.Sync(ctx))
	require.True(t, s.Ready())

	count, err := s.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	count, err = s.store.CountClaims(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = s.store.CountPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = s.store.CountAttestations(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = s.store.CountEpochs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestClearing_Reporting_Facts_Syncer_Sync_Incremental(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	ctx := t.Context()

	seedEpoch(t, pool, 1, false)
	seedReceipt(t, pool, "pay-1", 1, "payer-1", "merchant-1", 100, testStart.Add(time.Second))
	require.NoError(t, s.Sync(ctx))

	seedReceipt(t, pool, "pay-2", 1, "payer-1", "merchant-1", 200, testStart.Add(2*time.Second))
	seedReceipt(t, pool, "pay-3", 1, "payer-2", "merchant-1", 300, testStart.Add(3*time.Second))
	require.NoError(t, s.Sync(ctx))

	count, err := s.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

func TestClearing_Reporting_Facts_Syncer_Sync_Rerun_NoDuplicates(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	ctx := t.Context()

	seedEpoch(t, pool, 1, false)
	seedReceipt(t, pool, "pay-1", 1, "payer-1", "merchant-1", 100, testStart.Add(time.Second))
	seedClaim(t, pool, 1, "merchant-1", 90, testStart.Add(time.Hour))

	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Sync(ctx))

	count, err := s.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = s.store.CountClaims(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	count, err = s.store.CountEpochs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestClearing_Reporting_Facts_Syncer_Sync_Paging(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, 2)
	ctx := t.Context()

	seedEpoch(t, pool, 1, false)
	for i := range 5 {
		seedReceipt(t, pool, "pay-"+uuid.NewString(), 1, "payer-1", "merchant-1", 100, testStart.Add(time.Duration(i+1)*time.Second))
	}

	// One pass drains the table across batches.
	require.NoError(t, s.Sync(ctx))

	count, err := s.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), count)
}

func TestClearing_Reporting_Facts_Syncer_Sync_Paging_EqualTimestamps(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, 2)
	ctx := t.Context()

	// A run of identical timestamps longer than the page still drains.
	seedEpoch(t, pool, 1, false)
	recordedAt := testStart.Add(time.Second)
	for i := range 5 {
		seedReceipt(t, pool, "pay-"+uuid.NewString(), 1, "payer-1", "merchant-1", int64(100+i), recordedAt)
	}

	require.NoError(t, s.Sync(ctx))

	count, err := s.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), count)
}

func TestClearing_Reporting_Facts_Syncer_CursorResume(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	ctx := t.Context()

	seedEpoch(t, pool, 1, false)
	seedReceipt(t, pool, "pay-1", 1, "payer-1", "merchant-1", 100, testStart.Add(time.Second))
	seedReceipt(t, pool, "pay-2", 1, "payer-1", "merchant-1", 200, testStart.Add(2*time.Second))

	first, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	require.NoError(t, first.Sync(ctx))

	// A fresh syncer resumes from the fact tables. The boundary row is
	// re-pulled and collapses in the replacing merge engine.
	seedReceipt(t, pool, "pay-3", 1, "payer-2", "merchant-1", 300, testStart.Add(3*time.Second))
	second, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	require.NoError(t, second.Sync(ctx))

	count, err := second.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

func TestClearing_Reporting_Facts_Syncer_Sync_AttestationTransition(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	ctx := t.Context()

	seedAttestation(t, pool, "att-1", "attester-1", "pending", testStart.Add(time.Minute))
	require.NoError(t, s.Sync(ctx))

	// Distinct ingested_at versions so the replacing merge keeps the update.
	time.Sleep(5 * time.Millisecond)

	resolvedAt := testStart.Add(2 * time.Hour)
	_, err := pool.Exec(ctx, `
		UPDATE attestations SET status = 'valid', resolved_at = $1 WHERE id = 'att-1'
	`, resolvedAt)
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx))

	count, err := s.store.CountAttestations(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	conn, err := ch.Conn(ctx)
	require.NoError(t, err)
	rows, err := conn.Query(ctx, "SELECT status, resolved_at FROM fact_attestations FINAL WHERE id = ?", "att-1")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var status string
	var gotResolvedAt *time.Time
	require.NoError(t, rows.Scan(&status, &gotResolvedAt))
	require.Equal(t, "valid", status)
	require.NotNil(t, gotResolvedAt)
	require.WithinDuration(t, resolvedAt, *gotResolvedAt, time.Millisecond)
}

func TestClearing_Reporting_Facts_Syncer_Sync_EpochFinalization(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, _ := newTestSyncer(t, pool, ch, DefaultBatchSize)
	ctx := t.Context()

	seedEpoch(t, pool, 1, false)
	require.NoError(t, s.Sync(ctx))

	time.Sleep(5 * time.Millisecond)

	_, err := pool.Exec(ctx, `
		UPDATE epoch_records SET merkle_root = $1, finalized = TRUE, finalized_at = $2 WHERE id = 1
	`, []byte{0xaa, 0xbb}, testStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx))

	conn, err := ch.Conn(ctx)
	require.NoError(t, err)
	rows, err := conn.Query(ctx, "SELECT merkle_root, finalized FROM dim_epochs FINAL WHERE id = 1")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var root string
	var finalized bool
	require.NoError(t, rows.Scan(&root, &finalized))
	require.Equal(t, "aabb", root)
	require.True(t, finalized)
}

func TestClearing_Reporting_Facts_Syncer_Start(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	s, clock := newTestSyncer(t, pool, ch, DefaultBatchSize)

	seedEpoch(t, pool, 1, false)
	seedReceipt(t, pool, "pay-1", 1, "payer-1", "merchant-1", 100, testStart.Add(time.Second))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s.Start(ctx)
	require.NoError(t, s.WaitReady(ctx))

	count, err := s.store.CountReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	// The next tick picks up new rows.
	seedReceipt(t, pool, "pay-2", 1, "payer-1", "merchant-1", 200, testStart.Add(2*time.Second))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		count, err := s.store.CountReceipts(ctx)
		return err == nil && count == 2
	}, 10*time.Second, 50*time.Millisecond)
}

func TestClearing_Reporting_Facts_SyncerConfig_Validate(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ch := testClickHouse(t)
	log := clearingtesting.NewLogger()

	_, err := NewSyncer(SyncerConfig{Clock: clockwork.NewRealClock(), Pool: pool, ClickHouse: ch, SyncInterval: time.Minute})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewSyncer(SyncerConfig{Logger: log, ClickHouse: ch, SyncInterval: time.Minute})
	require.ErrorContains(t, err, "postgres pool is required")

	_, err = NewSyncer(SyncerConfig{Logger: log, Pool: pool, SyncInterval: time.Minute})
	require.ErrorContains(t, err, "clickhouse client is required")

	_, err = NewSyncer(SyncerConfig{Logger: log, Pool: pool, ClickHouse: ch})
	require.ErrorContains(t, err, "sync interval must be greater than 0")

	s, err := NewSyncer(SyncerConfig{Logger: log, Pool: pool, ClickHouse: ch, SyncInterval: time.Minute})
	require.NoError(t, err)
	require.Equal(t, DefaultBatchSize, s.cfg.BatchSize)
}
