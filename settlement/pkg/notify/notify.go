// Package notify fans settlement events out to notification sinks. Sinks
// are advisory: a failed delivery is logged and dropped, never retried into
// the settlement path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// Sink delivers one event notification.
type Sink interface {
	Notify(ctx context.Context, ev settlement.Event) error
}

type RunnerConfig struct {
	Logger *slog.Logger
	Events <-chan settlement.Event
	Sinks  []Sink
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Events == nil {
		return errors.New("events channel is required")
	}
	return nil
}

// Runner consumes an engine's event channel and delivers each event to
// every sink.
type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run delivers events until ctx is canceled or the channel closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.cfg.Events:
			if !ok {
				return nil
			}
			r.Deliver(ctx, ev)
		}
	}
}

// Deliver sends one event to every sink, logging failures.
func (r *Runner) Deliver(ctx context.Context, ev settlement.Event) {
	for _, sink := range r.cfg.Sinks {
		if err := sink.Notify(ctx, ev); err != nil {
			r.log.Error("notify: sink delivery failed", "type", ev.Type, "error", err)
		}
	}
}

// FormatEvent renders an event as a markdown notification. High-volume
// event types (receipts, claims) render empty and are not announced.
func FormatEvent(ev settlement.Event) string {
	switch ev.Type {
	case settlement.EventEpochFinalized:
		return fmt.Sprintf(":lock: Epoch **%d** finalized with `%d` total rewards under token `%s`.",
			ev.EpochID, ev.Amount, ev.Token)
	case settlement.EventEpochAdvanced:
		return fmt.Sprintf(":arrow_forward: Epoch **%d** opened.", ev.EpochID)
	case settlement.EventEpochEnded:
		return fmt.Sprintf(":hourglass: Epoch **%d** has ended and is awaiting finalization.", ev.EpochID)
	case settlement.EventAttestationSubmitted:
		return fmt.Sprintf(":memo: Attestation `%s` submitted by `%s` with bond `%d`.",
			ev.AttestationID, ev.Account, ev.Amount)
	case settlement.EventAttestationChallenged:
		return fmt.Sprintf(":crossed_swords: Attestation `%s` challenged by `%s`.",
			ev.AttestationID, ev.Account)
	case settlement.EventAttestationResolved:
		return fmt.Sprintf(":white_check_mark: Attestation `%s` resolved as **%s**.",
			ev.AttestationID, ev.Status)
	case settlement.EventBondWithdrawn:
		return fmt.Sprintf(":moneybag: Bond of `%d` withdrawn from attestation `%s`.",
			ev.Amount, ev.AttestationID)
	default:
		return ""
	}
}
