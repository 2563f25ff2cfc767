// Package apitesting wires handler tests to an isolated database-backed
// engine. Each Setup call gets its own database, engine, and signing keys,
// so tests exercising the package-level handler state do not interfere with
// each other.
package apitesting

import (
	"context"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/api/config"
	"github.com/malbeclabs/clearing/api/handlers"
	pgtesting "github.com/malbeclabs/clearing/settlement/pkg/pg/testing"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// DB is a shared PostgreSQL test container, typically started once per
// package in TestMain.
type DB = pgtesting.DB

// NewDB starts a PostgreSQL test container.
func NewDB(ctx context.Context, log *slog.Logger) (*DB, error) {
	return pgtesting.NewDB(ctx, log, nil)
}

// TestStart anchors the fake clock so epoch arithmetic is deterministic.
var TestStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// MinBond is the attestation bond floor configured for test engines.
const MinBond = 1_000

// Env is a fully wired handler test environment.
type Env struct {
	Pool   *pgxpool.Pool
	Engine *settlement.Engine
	Clock  *clockwork.FakeClock

	Operator solana.PrivateKey
	Arbiter  solana.PrivateKey
	Ingress  solana.PrivateKey

	RewardToken solana.PublicKey
}

// Setup creates an isolated database, points config.PgPool at it, builds an
// engine on a fake clock, and configures the handlers package. The previous
// pool is restored when the test finishes.
func Setup(t *testing.T, db *DB) *Env {
	t.Helper()

	pool := pgtesting.NewTestDB(t, db)

	oldPool := config.PgPool
	config.PgPool = pool
	t.Cleanup(func() { config.PgPool = oldPool })

	clock := clockwork.NewFakeClockAt(TestStart)
	operator := solana.NewWallet().PrivateKey
	arbiter := solana.NewWallet().PrivateKey
	ingress := solana.NewWallet().PrivateKey
	rewardToken := solana.NewWallet().PrivateKey.PublicKey()

	engine, err := settlement.New(t.Context(), settlement.Config{
		Logger:      slog.Default(),
		Clock:       clock,
		Pool:        pool,
		RewardToken: rewardToken,
		Operators:   []solana.PublicKey{operator.PublicKey()},
		Arbiters:    []solana.PublicKey{arbiter.PublicKey()},
		MinBond:     MinBond,
	})
	require.NoError(t, err, "failed to create engine")

	err = handlers.Configure(handlers.Config{
		Engine:      engine,
		IngressKeys: []solana.PublicKey{ingress.PublicKey()},
	})
	require.NoError(t, err, "failed to configure handlers")

	return &Env{
		Pool:        pool,
		Engine:      engine,
		Clock:       clock,
		Operator:    operator,
		Arbiter:     arbiter,
		Ingress:     ingress,
		RewardToken: rewardToken,
	}
}

// Sign produces the signer and signature fields for a signed request body.
func Sign(t *testing.T, key solana.PrivateKey, message string) (signer, signature string) {
	t.Helper()

	sig, err := key.Sign([]byte(message))
	require.NoError(t, err, "failed to sign message")
	return key.PublicKey().String(), base64.StdEncoding.EncodeToString(sig[:])
}
