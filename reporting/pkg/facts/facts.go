// Package facts mirrors the settlement ledger into ClickHouse fact tables
// for analytics. Receipts, claims, and payout instructions are append-only
// in Postgres and copy incrementally by timestamp cursor; attestations and
// epochs mutate in place and are re-pulled whole, with the replacing merge
// engine collapsing stale rows.
package facts

import "time"

type ReceiptFact struct {
	PaymentID   string
	Payer       string
	Merchant    string
	Agent       string
	Token       string
	Amount      uint64
	ProtocolFee uint64
	PaidAt      time.Time
	EpochID     uint64
	RecordedAt  time.Time
}

type ClaimFact struct {
	EpochID   uint64
	Token     string
	Account   string
	Amount    uint64
	ClaimedAt time.Time
}

type PayoutFact struct {
	ID        string
	Account   string
	Token     string
	Amount    uint64
	Reason    string
	EpochIDs  []uint64
	CreatedAt time.Time
}

type AttestationFact struct {
	ID                string
	Attester          string
	ContentHash       string
	BondAmount        uint64
	SubmittedAt       time.Time
	ChallengeDeadline time.Time
	Status            string
	Challenger        string
	ChallengeReason   string
	ResolvedAt        *time.Time
}

type EpochFact struct {
	ID           uint64
	StartTime    time.Time
	EndTime      time.Time
	MerkleRoot   string
	TotalRewards uint64
	Finalized    bool
	FinalizedAt  *time.Time
}
