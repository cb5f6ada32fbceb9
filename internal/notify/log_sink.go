package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes every event to the log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, evt Event) error {
	s.log.Info().
		Str("type", string(evt.Type)).
		Str("event_id", evt.ID).
		Str("client_id", evt.ClientID).
		Str("alert_id", evt.AlertID).
		Interface("payload", evt.Payload).
		Msg("Event")
	return nil
}
