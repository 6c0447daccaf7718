package notifier

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/log"
)

// Notification is the operator-facing summary of a pipeline outcome.
type Notification struct {
	EventType      string    `json:"event_type"`
	InstanceID     string    `json:"instance_id"`
	TargetGroupRef string    `json:"target_group_ref"`
	Classification string    `json:"classification,omitempty"`
	SeverityScore  int       `json:"severity_score,omitempty"`
	Action         string    `json:"action,omitempty"`
	Result         string    `json:"result,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Message        string    `json:"message"`
}

// Sink delivers notifications to an operator channel.
type Sink interface {
	Notify(ctx context.Context, n *Notification) error
}

// LogSink writes notifications to the structured log. It is the default
// sink and always available; chat or paging integrations implement Sink
// alongside it.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-backed notification sink
func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("notifier")}
}

func (s *LogSink) Notify(ctx context.Context, n *Notification) error {
	event := s.logger.Info().
		Str("event_type", n.EventType).
		Str("instance_id", n.InstanceID).
		Str("target_group", n.TargetGroupRef).
		Time("timestamp", n.Timestamp)
	if n.Classification != "" {
		event = event.Str("classification", n.Classification)
	}
	if n.Action != "" {
		event = event.Str("action", n.Action).Int("severity_score", n.SeverityScore)
	}
	if n.Result != "" {
		event = event.Str("result", n.Result)
	}
	event.Msg(n.Message)
	return nil
}

// Dispatcher fans a notification out to every configured sink. Sink
// failures are logged and do not block the pipeline or other sinks.
type Dispatcher struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given sinks, defaulting
// to a single LogSink when none are given.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	if len(sinks) == 0 {
		sinks = []Sink{NewLogSink()}
	}
	return &Dispatcher{sinks: sinks, logger: log.WithComponent("notifier")}
}

func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	for _, sink := range d.sinks {
		if err := sink.Notify(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("instance_id", n.InstanceID).
				Msg("notification delivery failed")
		}
	}
}
