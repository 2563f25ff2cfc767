package settlement

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/clearing/settlement/pkg/metrics"
)

type EventType string

const (
	EventReceiptRecorded       EventType = "receipt_recorded"
	EventEpochFinalized        EventType = "epoch_finalized"
	EventEpochAdvanced         EventType = "epoch_advanced"
	EventClaimSettled          EventType = "claim_settled"
	EventAttestationSubmitted  EventType = "attestation_submitted"
	EventAttestationChallenged EventType = "attestation_challenged"
	EventAttestationResolved   EventType = "attestation_resolved"
	EventBondWithdrawn         EventType = "bond_withdrawn"

	// EventEpochEnded is emitted by the scheduler, not the engine: the
	// engine has no loop to observe an epoch's end time passing.
	EventEpochEnded EventType = "epoch_ended"
)

// Event describes a committed state change. Only the fields relevant to the
// event type are set; zero public keys mean not applicable.
type Event struct {
	Type          EventType
	At            time.Time
	EpochID       uint64
	PaymentID     string
	AttestationID string
	Account       solana.PublicKey
	Token         solana.PublicKey
	Amount        uint64
	Status        string
}

// emit delivers ev to the event channel without ever blocking the caller.
// When the buffer is full the oldest pending event is dropped first.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
		return
	default:
	}

	select {
	case <-e.events:
		metrics.EventsDroppedTotal.Inc()
	default:
	}

	select {
	case e.events <- ev:
	default:
		// Lost the refill race to another producer. Drop the new event.
		metrics.EventsDroppedTotal.Inc()
	}
}

// Events exposes the outward notification channel. Consumers that fall
// behind lose the oldest events; every mutation also returns its result
// directly, so the channel is advisory.
func (e *Engine) Events() <-chan Event {
	return e.events
}
