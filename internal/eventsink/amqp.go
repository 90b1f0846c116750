package eventsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/memohai/chatbridge/internal/config"
	"github.com/memohai/chatbridge/internal/outbound"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	consumerTag   = "chatbridge-outbound"
)

// Handler processes one event body.
type Handler interface {
	Dispatch(ctx context.Context, body []byte) (outbound.Decision, error)
}

// Consumer is a supervised RabbitMQ consumer feeding the dispatcher. It
// reconnects with jittered backoff until stopped.
type Consumer struct {
	logger  *slog.Logger
	handler Handler
	cfg     config.AMQPConfig
	dial    func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a Consumer. Call Start to begin consuming.
func NewConsumer(log *slog.Logger, handler Handler, cfg config.AMQPConfig) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		logger:  log.With(slog.String("component", "eventsink_amqp"), slog.String("queue", cfg.Queue)),
		handler: handler,
		cfg:     cfg,
		dial:    amqp.Dial,
	}
}

// Start runs the consumer in the background.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("consumer already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop cancels the consumer and waits for it to exit or ctx to expire.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes until ctx is cancelled, reconnecting after connection loss.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := jitteredDelay(backoff, reconnectCap)
		c.logger.Error("amqp connection lost, reconnecting", slog.Any("error", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff*2 < reconnectCap {
			backoff *= 2
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := c.declare(ch); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("consumer started", slog.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if c.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if c.cfg.Exchange != "" {
		if err := ch.QueueBind(c.cfg.Queue, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue: %w", err)
		}
	}
	return nil
}

// handle acks processed and poison deliveries and rejects the rest without
// requeue; the router never retries, so neither does the queue.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	decision, err := c.handler.Dispatch(ctx, d.Body)
	switch {
	case errors.Is(err, ErrPoison):
		c.logger.Warn("poison event discarded", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Ack(false)
	case err != nil:
		c.logger.Error("event processing failed", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Nack(false, false)
	default:
		c.logger.Debug("event processed", slog.String("message_id", d.MessageId), slog.String("decision", string(decision)))
		_ = d.Ack(false)
	}
}

func jitteredDelay(base, limit time.Duration) time.Duration {
	const jitter = 0.25
	delta := (rand.Float64()*2 - 1) * jitter
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
