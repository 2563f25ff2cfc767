package admin

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// EpochStatus prints the current epoch, its receipt stats, and whether it
// can be advanced.
func EpochStatus(log *slog.Logger, cfg EngineConfig) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	cur, err := engine.CurrentEpoch(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current epoch: %w", err)
	}
	stats, err := engine.EpochStats(ctx, cur.ID)
	if err != nil {
		return fmt.Errorf("failed to load epoch stats: %w", err)
	}
	duration, err := engine.EpochDuration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load epoch duration: %w", err)
	}
	canAdvance, err := engine.CanAdvance(ctx)
	if err != nil {
		return fmt.Errorf("failed to check epoch end: %w", err)
	}

	fmt.Printf("Epoch %d\n", cur.ID)
	fmt.Printf("  Start:         %s\n", cur.StartTime.UTC().Format(time.RFC3339))
	fmt.Printf("  End:           %s\n", cur.EndTime.UTC().Format(time.RFC3339))
	fmt.Printf("  Duration:      %s\n", duration)
	fmt.Printf("  Receipts:      %d\n", stats.ReceiptCount)
	fmt.Printf("  Volume:        %d\n", stats.TotalVolume)
	fmt.Printf("  Fees:          %d\n", stats.TotalFees)
	fmt.Printf("  Finalized:     %t\n", cur.Finalized)
	if cur.MerkleRoot != nil {
		fmt.Printf("  Root:          %s\n", hex.EncodeToString(cur.MerkleRoot[:]))
		fmt.Printf("  Total rewards: %d\n", cur.TotalRewards)
	}
	fmt.Printf("  Ended:         %t\n", canAdvance)
	return nil
}

// EpochFinalize records a merkle root against an ended epoch.
func EpochFinalize(log *slog.Logger, cfg EngineConfig, epochID uint64, rootHex string, entryCount, totalRewards uint64) error {
	ctx := context.Background()

	root, err := parseRoot(rootHex)
	if err != nil {
		return err
	}

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := engine.Finalize(ctx, cfg.operatorCap(), epochID, root, entryCount, totalRewards); err != nil {
		return fmt.Errorf("failed to finalize epoch %d: %w", epochID, err)
	}

	fmt.Printf("Finalized epoch %d with root %s (%d entries, %d total)\n", epochID, rootHex, entryCount, totalRewards)
	return nil
}

// EpochAdvance opens the next epoch once the current one is finalized.
func EpochAdvance(log *slog.Logger, cfg EngineConfig) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	next, err := engine.Advance(ctx, cfg.operatorCap())
	if err != nil {
		return fmt.Errorf("failed to advance epoch: %w", err)
	}

	fmt.Printf("Advanced to epoch %d (%s to %s)\n", next.ID,
		next.StartTime.UTC().Format(time.RFC3339), next.EndTime.UTC().Format(time.RFC3339))
	return nil
}

// EpochSetDuration changes the duration used for subsequently created
// epochs. The running epoch keeps its end time.
func EpochSetDuration(log *slog.Logger, cfg EngineConfig, d time.Duration) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := engine.SetEpochDuration(ctx, cfg.operatorCap(), d); err != nil {
		return fmt.Errorf("failed to set epoch duration: %w", err)
	}

	fmt.Printf("Epoch duration set to %s\n", d)
	return nil
}

func parseRoot(rootHex string) ([32]byte, error) {
	var root [32]byte
	raw, err := hex.DecodeString(rootHex)
	if err != nil {
		return root, fmt.Errorf("invalid root %q: %w", rootHex, err)
	}
	if len(raw) != 32 {
		return root, fmt.Errorf("invalid root %q: want 32 bytes, got %d", rootHex, len(raw))
	}
	copy(root[:], raw)
	return root, nil
}
