package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectInsightsReady carries InsightsReadyEvent payloads.
const SubjectInsightsReady = "meeting.insights.ready"

// InsightsReadyEvent announces that insights for a meeting are persisted and
// the delayed follow-up may be scheduled.
type InsightsReadyEvent struct {
	MeetingID string    `json:"meeting_id"`
	UserID    string    `json:"user_id"`
	ReadyAt   time.Time `json:"ready_at"`
}

// Bus is a thin JSON publish/subscribe wrapper over a NATS connection.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server with reconnect behaviour suited to a
// long-lived service.
func Connect(url string, logger *slog.Logger) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:   conn,
		logger: logger.With("component", "bus"),
	}, nil
}

// PublishInsightsReady emits the insights-ready event for a meeting.
func (b *Bus) PublishInsightsReady(event InsightsReadyEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal insights ready event: %w", err)
	}
	if err := b.conn.Publish(SubjectInsightsReady, data); err != nil {
		return fmt.Errorf("publish insights ready: %w", err)
	}
	b.logger.Debug("published insights ready", "meeting_id", event.MeetingID)
	return nil
}

// SubscribeInsightsReady registers a queue subscriber so each event is
// consumed by exactly one notifier instance.
func (b *Bus) SubscribeInsightsReady(queue string, handler func(InsightsReadyEvent)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(SubjectInsightsReady, queue, func(msg *nats.Msg) {
		var event InsightsReadyEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("malformed insights ready event", "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectInsightsReady, err)
	}
	return sub, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("nats drain failed", "error", err)
		}
	}
}
