package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/taskstream/internal/otel"
	"github.com/basket/taskstream/internal/shared"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrPublishExhausted wraps the last attempt's error once every publish attempt failed.
	ErrPublishExhausted = errors.New("queue: publish attempts exhausted")
	// ErrUnroutable means the broker returned a mandatory publish because no
	// queue is bound for its routing key.
	ErrUnroutable = errors.New("queue: message returned unroutable")
	// ErrNacked means the broker refused a publish without closing the channel.
	ErrNacked = errors.New("queue: publish nacked by broker")
)

// Descriptor names the exchange, queue and binding a message travels through.
type Descriptor struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Channel is the subset of *amqp.Channel used by the client and consumer.
// Publishes go through PublishConfirmed so a fake can resolve confirms.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Confirmation resolves to the broker's ack (true) or nack (false) for one
// publish. A channel closed before the confirm arrives resolves to false.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Connection is the subset of *amqp.Connection used here.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

func (c amqpConnection) IsClosed() bool { return c.conn.IsClosed() }
func (c amqpConnection) Close() error   { return c.conn.Close() }

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

// DialAMQP is the production Dialer.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

type Config struct {
	URL         string
	Dial        Dialer
	MaxAttempts int
	BackoffStep time.Duration
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	// Sleep waits between attempts; tests replace it to observe backoff.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client owns one process-wide connection, created lazily and discarded after
// any failure. Publishes share a single confirm-mode channel; consumers open
// their own channels on the same connection.
type Client struct {
	url         string
	dial        Dialer
	maxAttempts int
	backoffStep time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	sleep       func(ctx context.Context, d time.Duration) error

	// pubMu serializes publishes so confirms and returns on the shared
	// channel belong to the publish waiting on them.
	pubMu sync.Mutex

	mu      sync.Mutex
	conn    Connection
	ch      Channel
	closes  chan *amqp.Error
	returns chan amqp.Return
}

func NewClient(cfg Config) *Client {
	if cfg.Dial == nil {
		cfg.Dial = DialAMQP
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Client{
		url:         cfg.URL,
		dial:        cfg.Dial,
		maxAttempts: cfg.MaxAttempts,
		backoffStep: cfg.BackoffStep,
		logger:      cfg.Logger.With("component", "queue"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		sleep:       cfg.Sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// connectionLocked returns the live connection, dialing when none is cached
// or the cached one has closed. c.mu must be held.
func (c *Client) connectionLocked() (Connection, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	c.resetLocked()
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", shared.Redact(c.url), err)
	}
	c.conn = conn
	return conn, nil
}

// channel returns the publish channel, reopening it in confirm mode when
// either handle reports closed.
func (c *Client) channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	conn, err := c.connectionLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		c.resetLocked()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	c.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	c.ch = ch
	return ch, nil
}

// OpenChannel opens a channel of its own on the shared connection. Closing it
// leaves the connection and every other channel in place.
func (c *Client) OpenChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connectionLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		if conn.IsClosed() {
			c.resetLocked()
		}
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Client) resetLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.ch, c.conn = nil, nil
	c.closes, c.returns = nil, nil
}

// notifications returns the close and return listeners of the publish channel.
func (c *Client) notifications() (chan *amqp.Error, chan amqp.Return) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes, c.returns
}

// Ping reports whether the broker connection is usable, dialing if none is
// cached. Health checks call it; it never declares or publishes.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.channel()
	return err
}

// Close drops the cached connection.
func (c *Client) Close() error {
	c.reset()
	return nil
}

// SetupResources declares a durable direct exchange, a durable queue and the
// binding between them. Redeclaring identical resources is a no-op on the broker.
func (c *Client) SetupResources(ctx context.Context, d Descriptor) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := declare(ch, d); err != nil {
		c.reset()
		return err
	}
	c.logger.InfoContext(ctx, "queue resources declared", "exchange", d.Exchange, "queue", d.Queue, "routing_key", d.RoutingKey)
	return nil
}

func declare(ch Channel, d Descriptor) error {
	if err := ch.ExchangeDeclare(d.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", d.Exchange, err)
	}
	if _, err := ch.QueueDeclare(d.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", d.Queue, err)
	}
	if err := ch.QueueBind(d.Queue, d.RoutingKey, d.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", d.Queue, err)
	}
	return nil
}

// Publish sends msg with up to MaxAttempts attempts and a linear backoff of
// BackoffStep*attempt between them. When the first attempt fails because the
// exchange or queue is missing, resources are declared once and the publish is
// retried immediately without a backoff wait.
func (c *Client) Publish(ctx context.Context, msg Message, d Descriptor) (err error) {
	ctx, span := otel.StartProducerSpan(ctx, c.tracer, "queue.publish",
		otel.AttrQueue.String(d.Queue),
		otel.AttrTaskID.String(msg.TaskID),
	)
	defer func() { otel.EndSpan(span, err) }()

	body, err := msg.Encode()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID(),
		MessageId:     msg.AssistantTaskID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.publishOnce(ctx, d, pub, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == 1 && isNotFound(lastErr) {
			c.logger.WarnContext(ctx, "queue resources missing; declaring", "queue", d.Queue, "error", lastErr)
			if serr := c.SetupResources(ctx, d); serr != nil {
				c.logger.WarnContext(ctx, "fallback resource setup failed", "error", serr)
			}
			lastErr = c.publishOnce(ctx, d, pub, attempt)
			if lastErr == nil {
				return nil
			}
		}
		if attempt < c.maxAttempts {
			wait := c.backoffStep * time.Duration(attempt)
			c.logger.WarnContext(ctx, "publish failed; retrying",
				"attempt", attempt, "max_attempts", c.maxAttempts, "backoff", wait.String(), "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%w: %w", ErrPublishExhausted, err)
			}
		}
	}
	otel.Add(ctx, c.metrics.PublishFailures, 1, otel.AttrQueue.String(d.Queue))
	return fmt.Errorf("%w after %d attempts: %w", ErrPublishExhausted, c.maxAttempts, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, d Descriptor, pub amqp.Publishing, attempt int) error {
	otel.Add(ctx, c.metrics.PublishAttempts, 1,
		otel.AttrQueue.String(d.Queue),
		otel.AttrAttempt.Int(attempt),
	)
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}
	closes, returns := c.notifications()
	conf, err := ch.PublishConfirmed(ctx, d.Exchange, d.RoutingKey, true, pub)
	if err != nil {
		c.reset()
		return fmt.Errorf("publish to %s/%s: %w", d.Exchange, d.RoutingKey, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		c.reset()
		return fmt.Errorf("await confirm for %s/%s: %w", d.Exchange, d.RoutingKey, err)
	}
	if !acked {
		// A missing exchange closes the channel with 404 before the pending
		// confirm is released, so the reason is already buffered.
		select {
		case amqpErr, ok := <-closes:
			if ok && amqpErr != nil {
				c.reset()
				return fmt.Errorf("publish to %s/%s: %w", d.Exchange, d.RoutingKey, amqpErr)
			}
		default:
		}
		c.reset()
		return fmt.Errorf("publish to %s/%s: %w", d.Exchange, d.RoutingKey, ErrNacked)
	}
	// The broker sends basic.return ahead of the ack for an unroutable
	// mandatory message.
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return nil
			}
			if ret.MessageId != pub.MessageId {
				continue
			}
			return fmt.Errorf("publish to %s/%s: %w: %d %s", d.Exchange, d.RoutingKey, ErrUnroutable, ret.ReplyCode, ret.ReplyText)
		default:
			return nil
		}
	}
}

// isNotFound matches the broker's NOT_FOUND (404) channel exception.
// An unroutable return means the queue or its binding is missing.
func isNotFound(err error) bool {
	if errors.Is(err, ErrUnroutable) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not_found") || strings.Contains(msg, "not found") || strings.Contains(msg, "no exchange")
}
