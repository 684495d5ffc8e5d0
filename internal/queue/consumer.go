package queue

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded message. Returning nil acks it. An error
// nacks it, requeueing only a first delivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads the work queue with manual acks.
type Consumer struct {
	client     *Client
	descriptor Descriptor
	prefetch   int
	tag        string
	logger     *slog.Logger
}

func NewConsumer(client *Client, d Descriptor, prefetch int, tag string, logger *slog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:     client,
		descriptor: d,
		prefetch:   prefetch,
		tag:        tag,
		logger:     logger.With("component", "consumer"),
	}
}

// Run opens a channel of its own, declares resources, then dispatches
// deliveries to handle until ctx is cancelled or the broker closes the
// channel. Undecodable bodies are nacked without requeue. Failures close only
// this consumer's channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	ch, err := c.client.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declare(ch, c.descriptor); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.descriptor.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.descriptor.Queue, err)
	}
	c.logger.Info("consuming", "queue", c.descriptor.Queue, "prefetch", c.prefetch, "tag", c.tag)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d, handle)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handle Handler) {
	msg, err := Decode(d.Body)
	if err != nil {
		c.logger.Warn("rejecting undecodable message", "delivery_tag", d.DeliveryTag, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if msg.Action != ActionProcessTaskMessage {
		c.logger.Warn("rejecting unknown action", "action", msg.Action)
		_ = d.Nack(false, false)
		return
	}
	if err := handle(ctx, msg); err != nil {
		c.logger.Error("handler failed; requeueing", "task_id", msg.TaskID, "error", err)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack failed", "task_id", msg.TaskID, "error", err)
	}
}
