package ingestion

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "PERP_SETTLE_EVENTS"
	EventSubjectPrefix = "perp.settle.events"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes events to NATS for downstream consumers.
// Events are handed over only after their command is persisted.
type OutboundPublisher struct {
	js        Publisher
	inputChan chan event.Envelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, capacity int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan event.Envelope, capacity),
		metrics:   metrics,
		logger:    logger,
	}
}

// Enqueue hands over persisted events without blocking. Events that do not
// fit are dropped; consumers can read the event log directly.
func (op *OutboundPublisher) Enqueue(envs []event.Envelope) {
	for _, env := range envs {
		select {
		case op.inputChan <- env:
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-op.inputChan:
			if err := op.publish(ctx, env); err != nil {
				op.logger.Warn().Int64("sequence", env.Sequence).Int("index", env.Index).Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

// EventSubject is perp.settle.events.{event_type}.{market_id}
func EventSubject(env event.Envelope) string {
	return fmt.Sprintf("%s.%s.%s", EventSubjectPrefix, env.EventType, env.MarketID)
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg-Id lets JetStream drop republished events after a restart
	msgID := fmt.Sprintf("%d-%d", env.Sequence, env.Index)
	_, err = op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
