package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/farmlink/wallet/internal/escrow"
	"github.com/farmlink/wallet/internal/metrics"
	"github.com/farmlink/wallet/internal/reservation"
)

// Event types on the order-fulfillment topic.
const (
	EventDeliveryConfirmed = "delivery_confirmed"
	EventOrderCancelled    = "order_cancelled"
	EventOtpExpired        = "otp_expired"
)

// FulfillmentEvent is the envelope the order service publishes.
type FulfillmentEvent struct {
	Type   string       `json:"type"`
	Order  escrow.Order `json:"order"`
	Reason string       `json:"reason,omitempty"`
}

// Consumer reads fulfillment events from Kafka and feeds them to the bridge.
type Consumer struct {
	reader     *kafka.Reader
	bridge     *Bridge
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewConsumer creates a consumer for the order-fulfillment topic.
func NewConsumer(brokers []string, topic, groupID string, bridge *Bridge, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: 0, // synchronous commits; resolution must not outrun the offset
		}),
		bridge:     bridge,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Run consumes until the context is cancelled. Malformed messages are logged
// and skipped; engine failures other than already-resolved orders hold the
// message in place until it succeeds, so its offset is never committed (here
// or implicitly by a later message) while the funds are still unresolved.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("delivery consumer started", "topic", c.reader.Config().Topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := c.process(ctx, msg); err != nil {
			return nil
		}
		metrics.ConsumerEventsTotal.WithLabelValues("processed").Inc()

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// process handles one message, retrying in place on engine failure. The
// reader never redelivers a fetched message within a running process, and
// committing any later offset would silently commit this one too, so moving
// on before the message succeeds would lose it for good. Returns non-nil
// only when the context is cancelled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	for {
		err := c.handle(ctx, msg.Value)
		if err == nil {
			return nil
		}
		metrics.ConsumerEventsTotal.WithLabelValues("failed").Inc()
		c.logger.Error("failed to process fulfillment event, retrying",
			"offset", msg.Offset, "error", err)
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, payload []byte) error {
	var event FulfillmentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// Poison message; log and drop rather than wedge the partition.
		c.logger.Error("malformed fulfillment event, skipping", "error", err)
		return nil
	}

	var err error
	switch event.Type {
	case EventDeliveryConfirmed:
		err = c.bridge.DeliveryConfirmed(ctx, event.Order)
	case EventOrderCancelled:
		err = c.bridge.OrderCancelled(ctx, event.Order, event.Reason)
	case EventOtpExpired:
		err = c.bridge.OtpExpired(ctx, event.Order)
	default:
		c.logger.Warn("unknown fulfillment event type, skipping", "type", event.Type)
		return nil
	}

	// A redelivered event finds its order already resolved; that is the
	// at-most-once guarantee working, not a processing failure.
	if errors.Is(err, reservation.ErrReservationNotFound) {
		return nil
	}
	return err
}

// Close shuts the underlying reader down.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
