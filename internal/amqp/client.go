package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"expenses/internal/core"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrReconnecting is returned while another caller is dialling the broker.
	ErrReconnecting = errors.New("AMQP reconnect in progress")
	// ErrReconnectBackoff is returned until the backoff after a failed dial
	// has elapsed.
	ErrReconnectBackoff = errors.New("AMQP reconnect backing off")
)

// Client publishes expense events to a topic exchange. The connection is
// re-established lazily after a broker failure. Callers never wait on a
// reconnect: while one is dialling or backing off, publishes fail fast.
type Client struct {
	url          string
	exchangeName string
	routingKey   string

	// dial opens a connection and a channel with the exchange declared.
	dial func() (*amqp091.Connection, *amqp091.Channel, error)

	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	dialing  bool
	nextDial time.Time
	closed   bool

	state        int32
	failureCount int64
	lastFailure  time.Time
}

func NewClient(url, exchangeName, routingKey string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		routingKey:   routingKey,
	}
	client.dial = client.connect

	conn, channel, err := client.dial()
	if err != nil {
		return nil, err
	}
	client.conn = conn
	client.channel = channel
	return client, nil
}

func (c *Client) connect() (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		c.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}

	return conn, channel, nil
}

// ensureChannel returns an open channel, reconnecting when the previous
// connection was lost. The dial runs without holding c.mu.
func (c *Client) ensureChannel(ctx context.Context) (*amqp091.Channel, error) {
	c.mu.Lock()
	if c.channel != nil && !c.channel.IsClosed() {
		channel := c.channel
		c.mu.Unlock()
		return channel, nil
	}
	if c.closed {
		c.mu.Unlock()
		return nil, amqp091.ErrClosed
	}
	if c.dialing {
		c.mu.Unlock()
		return nil, ErrReconnecting
	}
	if wait := time.Until(c.nextDial); wait > 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: next attempt in %v", ErrReconnectBackoff, wait.Round(time.Millisecond))
	}
	c.closeLocked()
	c.dialing = true
	c.mu.Unlock()

	failures := int(atomic.LoadInt64(&c.failureCount))
	slog.InfoContext(ctx, "Reconnecting to AMQP broker", "failures", failures)
	conn, channel, err := c.dial()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = false
	if err != nil {
		c.nextDial = time.Now().Add(exponentialBackoff(failures))
		return nil, err
	}
	if c.closed {
		channel.Close()
		conn.Close()
		return nil, amqp091.ErrClosed
	}
	c.conn = conn
	c.channel = channel
	c.nextDial = time.Time{}
	return channel, nil
}

// PublishExpenseCreated announces a newly stored expense.
func (c *Client) PublishExpenseCreated(ctx context.Context, e core.Expense) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish expense.created: %w", ErrCircuitOpen)
	}

	body, err := NewExpenseCreatedMessage(e).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	channel, err := c.ensureChannel(ctx)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("connect AMQP: %w", err)
	}

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.routingKey,   // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.mu.Lock()
			c.closeLocked()
			c.mu.Unlock()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	slog.InfoContext(ctx, "Published expense.created",
		"id", e.ID,
		"exchange", c.exchangeName,
		"routing_key", c.routingKey)

	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	failures := atomic.AddInt64(&c.failureCount, 1)
	// A failed trial publish while half-open reopens immediately.
	if failures >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			slog.Warn("AMQP circuit breaker opened", "failures", failures)
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

// exponentialBackoff returns 1s, 2s, 4s... capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "channel/connection is not open"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeLocked() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		c.conn = nil
	}
	return errors.Join(errs...)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeLocked()
}
