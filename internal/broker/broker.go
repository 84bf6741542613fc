// Package broker is the AMQP client. It hides connection lifecycle behind
// blocking Publish/Consume calls: callers see a channel of deliveries with
// manual ack/nack, and the client redials internally, paced by a rate
// limiter, when the connection drops.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/corvid-bio/magpie/internal/config"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("broker: client closed")

// Delivery is one consumed message plus its acknowledgment handle. Exactly
// one of Ack or Nack must be called, once.
type Delivery struct {
	Body     []byte
	delivery amqp.Delivery
}

// Ack acknowledges the message.
func (d Delivery) Ack() error {
	return d.delivery.Ack(false)
}

// Nack returns the message to the broker for redelivery.
func (d Delivery) Nack() error {
	return d.delivery.Nack(false, true)
}

// Client is a reconnecting AMQP client. Safe for concurrent use.
type Client struct {
	cfg    config.BrokerConfig
	log    *zap.Logger
	dialer *rate.Limiter

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	closed   bool
}

// New builds a client; no connection is made until first use.
func New(cfg config.BrokerConfig, log *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		log:      log,
		dialer:   rate.NewLimiter(rate.Every(cfg.RedialRate), 1),
		declared: make(map[string]bool),
	}
}

// channel returns a live channel, dialing (and redialing, paced) as
// needed. Callers hold no lock; the lock is taken here.
func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return nil, ErrClosed
		}
		if c.ch != nil && !c.ch.IsClosed() {
			return c.ch, nil
		}

		if err := c.dialer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("broker: wait for redial slot: %w", err)
		}

		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.log.Warn("broker dial failed, will retry", zap.Error(err))
			continue
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			c.log.Warn("broker channel open failed, will retry", zap.Error(err))
			continue
		}
		if c.cfg.Prefetch > 0 {
			if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("broker: set prefetch: %w", err)
			}
		}

		c.conn = conn
		c.ch = ch
		c.declared = make(map[string]bool)
		c.log.Info("broker connected", zap.String("url", c.cfg.URL))
		return ch, nil
	}
}

func (c *Client) declareExchange(ch *amqp.Channel, exchange string) error {
	c.mu.Lock()
	done := c.declared[exchange]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", exchange, err)
	}
	c.mu.Lock()
	c.declared[exchange] = true
	c.mu.Unlock()
	return nil
}

// Publish sends a persistent JSON message to an exchange, blocking through
// reconnection. It retries publication until it succeeds, the context is
// cancelled, or the client is closed.
func (c *Client) Publish(ctx context.Context, exchange string, body []byte) error {
	for {
		ch, err := c.channel(ctx)
		if err != nil {
			return err
		}
		if err := c.declareExchange(ch, exchange); err != nil {
			c.log.Warn("exchange declare failed, reconnecting", zap.String("exchange", exchange), zap.Error(err))
			c.invalidate(ch)
			continue
		}

		err = ch.PublishWithContext(ctx, exchange, exchange, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("publish failed, reconnecting",
			zap.String("exchange", exchange),
			zap.Error(err))
		c.invalidate(ch)
	}
}

// Consume binds a durable queue to an exchange and returns a channel of
// deliveries. The channel stays open across broker reconnections and is
// closed only when ctx is cancelled or the client is closed. Prefetch
// bounds the number of unacknowledged deliveries outstanding.
func (c *Client) Consume(ctx context.Context, exchange string) (<-chan Delivery, error) {
	queue := exchange + c.cfg.QueueSuffix

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			deliveries, err := c.openConsumer(ctx, exchange, queue)
			if err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				c.log.Warn("consumer setup failed, retrying",
					zap.String("queue", queue),
					zap.Error(err))
				continue
			}

			for d := range deliveries {
				select {
				case out <- Delivery{Body: d.Body, delivery: d}:
				case <-ctx.Done():
					return
				}
			}
			// Upstream channel closed under us: reconnect.
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("consumer channel lost, reconnecting", zap.String("queue", queue))
		}
	}()

	return out, nil
}

func (c *Client) openConsumer(ctx context.Context, exchange, queue string) (<-chan amqp.Delivery, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.declareExchange(ch, exchange); err != nil {
		c.invalidate(ch)
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		c.invalidate(ch)
		return nil, fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "#", exchange, false, nil); err != nil {
		c.invalidate(ch)
		return nil, fmt.Errorf("broker: bind %s to %s: %w", queue, exchange, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		c.invalidate(ch)
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// invalidate tears down a failed channel so the next call redials.
func (c *Client) invalidate(ch *amqp.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == ch {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.conn = nil
		c.ch = nil
	}
}

// Close shuts the connection down; in-flight calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.ch = nil
		return err
	}
	return nil
}
