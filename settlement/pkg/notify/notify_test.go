package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
	clearingtesting "github.com/malbeclabs/clearing/utils/pkg/testing"
)

type captureSink struct {
	events []settlement.Event
	err    error
}

func (s *captureSink) Notify(_ context.Context, ev settlement.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestClearing_Settlement_Notify_NewRunner(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		r, err := NewRunner(RunnerConfig{})
		require.Error(t, err)
		require.Nil(t, r)
		require.Contains(t, err.Error(), "logger is required")

		r, err = NewRunner(RunnerConfig{Logger: clearingtesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, r)
		require.Contains(t, err.Error(), "events channel is required")
	})
}

func TestClearing_Settlement_Notify_Runner_Run(t *testing.T) {
	t.Parallel()

	t.Run("delivers events to every sink until the channel closes", func(t *testing.T) {
		t.Parallel()

		events := make(chan settlement.Event, 3)
		events <- settlement.Event{Type: settlement.EventEpochFinalized, EpochID: 1}
		events <- settlement.Event{Type: settlement.EventEpochAdvanced, EpochID: 2}
		close(events)

		first := &captureSink{}
		second := &captureSink{}
		r, err := NewRunner(RunnerConfig{
			Logger: clearingtesting.NewLogger(),
			Events: events,
			Sinks:  []Sink{first, second},
		})
		require.NoError(t, err)

		require.NoError(t, r.Run(context.Background()))
		require.Len(t, first.events, 2)
		require.Len(t, second.events, 2)
		require.Equal(t, settlement.EventEpochFinalized, first.events[0].Type)
		require.Equal(t, settlement.EventEpochAdvanced, first.events[1].Type)
	})

	t.Run("continues past sink failures", func(t *testing.T) {
		t.Parallel()

		events := make(chan settlement.Event, 1)
		events <- settlement.Event{Type: settlement.EventEpochFinalized, EpochID: 1}
		close(events)

		failing := &captureSink{err: errors.New("slack is down")}
		recording := &captureSink{}
		r, err := NewRunner(RunnerConfig{
			Logger: clearingtesting.NewLogger(),
			Events: events,
			Sinks:  []Sink{failing, recording},
		})
		require.NoError(t, err)

		require.NoError(t, r.Run(context.Background()))
		require.Empty(t, failing.events)
		require.Len(t, recording.events, 1)
	})

	t.Run("stops when the context is canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		r, err := NewRunner(RunnerConfig{
			Logger: clearingtesting.NewLogger(),
			Events: make(chan settlement.Event),
		})
		require.NoError(t, err)
		require.ErrorIs(t, r.Run(ctx), context.Canceled)
	})
}

func TestClearing_Settlement_Notify_FormatEvent(t *testing.T) {
	t.Parallel()

	t.Run("renders lifecycle events", func(t *testing.T) {
		t.Parallel()

		text := FormatEvent(settlement.Event{Type: settlement.EventEpochFinalized, EpochID: 3, Amount: 350})
		require.Contains(t, text, "Epoch **3** finalized")
		require.Contains(t, text, "`350`")

		text = FormatEvent(settlement.Event{Type: settlement.EventEpochEnded, EpochID: 4})
		require.Contains(t, text, "awaiting finalization")

		text = FormatEvent(settlement.Event{Type: settlement.EventAttestationResolved, AttestationID: "abc", Status: "slashed"})
		require.Contains(t, text, "**slashed**")
	})

	t.Run("keeps high-volume events quiet", func(t *testing.T) {
		t.Parallel()

		require.Empty(t, FormatEvent(settlement.Event{Type: settlement.EventReceiptRecorded}))
		require.Empty(t, FormatEvent(settlement.Event{Type: settlement.EventClaimSettled}))
	})
}

func TestClearing_Settlement_Notify_NewSlack(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		s, err := NewSlack(SlackConfig{Logger: clearingtesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, s)
		require.Contains(t, err.Error(), "bot token is required")

		s, err = NewSlack(SlackConfig{Logger: clearingtesting.NewLogger(), BotToken: "xoxb-test"})
		require.Error(t, err)
		require.Nil(t, s)
		require.Contains(t, err.Error(), "channel is required")
	})

	t.Run("returns sink when config is valid", func(t *testing.T) {
		t.Parallel()

		s, err := NewSlack(SlackConfig{
			Logger:   clearingtesting.NewLogger(),
			BotToken: "xoxb-test",
			Channel:  "#settlement",
		})
		require.NoError(t, err)
		require.NotNil(t, s)
	})
}
