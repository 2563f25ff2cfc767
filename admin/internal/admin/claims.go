package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ClaimsShow prints an account's claim history in the reward token and
// cross-checks the cumulative counter against the per-epoch records.
func ClaimsShow(log *slog.Logger, cfg EngineConfig, account solana.PublicKey) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	token := engine.RewardToken()

	records, err := engine.Claimed(ctx, token, account)
	if err != nil {
		return fmt.Errorf("failed to list claims for %s: %w", account, err)
	}

	cumulative, err := engine.Cumulative(ctx, account, token)
	if err != nil {
		return fmt.Errorf("failed to load cumulative total for %s: %w", account, err)
	}

	fmt.Printf("Account %s (token %s)\n", account, token)
	if len(records) == 0 {
		fmt.Println("  No claims recorded")
	}
	var total uint64
	for _, r := range records {
		total += r.Amount
		fmt.Printf("  Epoch %d: %d claimed at %s\n", r.EpochID, r.Amount, r.ClaimedAt.UTC().Format(time.RFC3339))
	}
	fmt.Printf("Cumulative: %d\n", cumulative)
	if total != cumulative {
		fmt.Printf("⚠️  cumulative counter %d does not match claim records total %d\n", cumulative, total)
	}
	return nil
}
