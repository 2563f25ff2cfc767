package admin

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/clearing/settlement/pkg/attest"
)

// AttestGet prints one attestation.
func AttestGet(log *slog.Logger, cfg EngineConfig, id string) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := engine.GetAttestation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load attestation %s: %w", id, err)
	}

	printAttestation(a)
	return nil
}

// AttestArbitrate resolves a challenged attestation. When the challenge
// succeeded the bond is slashed between challenger and attester; otherwise
// the challenge is dismissed and the attestation revalidated.
func AttestArbitrate(log *slog.Logger, cfg EngineConfig, id string, challengeSucceeded bool) error {
	ctx := context.Background()

	engine, pool, err := openEngine(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, payouts, err := engine.Arbitrate(ctx, cfg.arbiterCap(), id, challengeSucceeded)
	if err != nil {
		return fmt.Errorf("failed to arbitrate attestation %s: %w", id, err)
	}

	printAttestation(a)
	for _, p := range payouts {
		fmt.Printf("Payout %s: %d to %s (%s)\n", p.ID, p.Amount, p.Account, p.Reason)
	}
	return nil
}

func printAttestation(a *attest.Attestation) {
	fmt.Printf("Attestation %s\n", a.ID)
	fmt.Printf("  Attester:  %s\n", a.Attester)
	fmt.Printf("  Content:   %s\n", hex.EncodeToString(a.ContentHash[:]))
	fmt.Printf("  Bond:      %d\n", a.BondAmount)
	fmt.Printf("  Submitted: %s\n", a.SubmittedAt.UTC().Format(time.RFC3339))
	fmt.Printf("  Deadline:  %s\n", a.ChallengeDeadline.UTC().Format(time.RFC3339))
	fmt.Printf("  Status:    %s\n", a.Status)
	if a.Challenger != nil {
		fmt.Printf("  Challenger: %s\n", a.Challenger)
		if a.ChallengeReason != nil {
			fmt.Printf("  Reason:     %s\n", *a.ChallengeReason)
		}
	}
	if a.ResolvedAt != nil {
		fmt.Printf("  Resolved:  %s\n", a.ResolvedAt.UTC().Format(time.RFC3339))
	}
}
