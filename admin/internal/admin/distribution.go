package admin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/clearing/settlement/pkg/archive"
	"github.com/malbeclabs/clearing/settlement/pkg/distribute"
	"github.com/malbeclabs/clearing/settlement/pkg/epoch"
	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// DistributionConfig names the fee pool accounts the distribution builds
// for. Shares use the fee pool defaults.
type DistributionConfig struct {
	Treasury     solana.PublicKey
	OperatorPool solana.PublicKey
}

// ArchiveConfig locates the S3 bucket distribution documents publish to.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// DistributionBuild computes an epoch's fee distribution and prints the
// resulting entries and root without touching the ledger. The same inputs
// always produce the same root, so a build is a safe preview of publish.
func DistributionBuild(log *slog.Logger, cfg EngineConfig, distCfg DistributionConfig, epochID uint64) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	c, rec, err := buildCommitment(ctx, log, engine, distCfg, epochID)
	if err != nil {
		return err
	}

	root := c.Root()
	fmt.Printf("Distribution for epoch %d (token %s)\n", epochID, cfg.RewardToken)
	if !rec.Finalized {
		ended, err := engine.CanAdvance(ctx)
		if err != nil {
			return fmt.Errorf("failed to check epoch end: %w", err)
		}
		cur, err := engine.CurrentEpoch(ctx)
		if err != nil {
			return fmt.Errorf("failed to load current epoch: %w", err)
		}
		if cur.ID == epochID && !ended {
			fmt.Printf("  WARNING: epoch %d is still running; totals will change\n", epochID)
		}
	}
	for _, entry := range c.Entries() {
		fmt.Printf("  %s  %d\n", entry.Address, entry.Amount)
	}
	fmt.Printf("Root:    %s\n", hex.EncodeToString(root[:]))
	fmt.Printf("Entries: %d\n", c.EntryCount())
	fmt.Printf("Total:   %d\n", c.Total())
	return nil
}

// DistributionPublish finalizes an epoch with its computed distribution and
// uploads the proof document. An already-finalized epoch is only published,
// after verifying the recorded root matches the rebuilt one.
func DistributionPublish(log *slog.Logger, cfg EngineConfig, distCfg DistributionConfig, archiveCfg ArchiveConfig, epochID uint64) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	c, rec, err := buildCommitment(ctx, log, engine, distCfg, epochID)
	if err != nil {
		return err
	}
	root := c.Root()

	if rec.Finalized {
		if rec.MerkleRoot == nil || !bytes.Equal(rec.MerkleRoot[:], root[:]) {
			return fmt.Errorf("epoch %d was finalized with a different root; refusing to publish proofs for %s",
				epochID, hex.EncodeToString(root[:]))
		}
		fmt.Printf("Epoch %d already finalized; publishing proofs\n", epochID)
	} else {
		err := engine.Finalize(ctx, cfg.operatorCap(), epochID, root, uint64(c.EntryCount()), c.Total())
		if err != nil && !errors.Is(err, settlement.ErrAlreadyFinalized) {
			return fmt.Errorf("failed to finalize epoch %d: %w", epochID, err)
		}
		fmt.Printf("Finalized epoch %d with root %s\n", epochID, hex.EncodeToString(root[:]))
	}

	store, err := archive.NewStore(ctx, archive.StoreConfig{
		Logger:   log,
		Bucket:   archiveCfg.Bucket,
		Region:   archiveCfg.Region,
		Endpoint: archiveCfg.Endpoint,
		Prefix:   archiveCfg.Prefix,
	})
	if err != nil {
		return fmt.Errorf("failed to create archive store: %w", err)
	}

	doc, err := archive.BuildDocument(epochID, cfg.RewardToken, c)
	if err != nil {
		return fmt.Errorf("failed to build distribution document: %w", err)
	}
	key, err := store.Publish(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to publish distribution: %w", err)
	}

	fmt.Printf("Published %d entries to s3://%s/%s\n", len(doc.Entries), archiveCfg.Bucket, key)
	return nil
}

func buildCommitment(ctx context.Context, log *slog.Logger, engine *settlement.Engine, distCfg DistributionConfig, epochID uint64) (*merkle.Commitment, *epoch.EpochRecord, error) {
	rec, err := engine.GetEpoch(ctx, epochID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load epoch %d: %w", epochID, err)
	}

	feePool, err := distribute.NewFeePool(distribute.FeePoolConfig{
		Logger:       log,
		Treasury:     distCfg.Treasury,
		OperatorPool: distCfg.OperatorPool,
	})
	if err != nil {
		return nil, nil, err
	}

	totals, err := engine.AccountTotals(ctx, epochID, engine.RewardToken())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account totals for epoch %d: %w", epochID, err)
	}
	entries, err := feePool.BuildEntries(epochID, totals, distribute.TotalFees(totals))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build distribution for epoch %d: %w", epochID, err)
	}
	c, err := merkle.Build(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build commitment for epoch %d: %w", epochID, err)
	}
	return c, rec, nil
}
