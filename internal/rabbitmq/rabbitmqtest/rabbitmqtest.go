// Package rabbitmqtest provides in-memory implementations of the broker
// session interfaces for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-host/internal/rabbitmq"
)

// ErrClosed is returned by operations on a closed fake.
var ErrClosed = errors.New("rabbitmqtest: closed")

// Dialer hands out fake connections. The first Failures dials fail.
type Dialer struct {
	mu       sync.Mutex
	Failures int
	Err      error
	dials    int
	conns    []*Connection
}

// Dial implements rabbitmq.Dialer.
func (d *Dialer) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.dials <= d.Failures {
		if d.Err != nil {
			return nil, d.Err
		}
		return nil, errors.New("rabbitmqtest: dial refused")
	}

	conn := NewConnection()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connections returns every connection handed out so far.
func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Connection is a fake broker connection.
type Connection struct {
	mu       sync.Mutex
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
	// OpenErr, when set, fails every Channel call.
	OpenErr error
}

// NewConnection creates an open fake connection.
func NewConnection() *Connection {
	return &Connection{}
}

// Provide lets a bare Connection act as a rabbitmq.ConnectionProvider.
func (c *Connection) Provide(ctx context.Context) (rabbitmq.Connection, error) {
	if c.IsClosed() {
		return nil, rabbitmq.ErrNotConnected
	}
	return c, nil
}

// Channel implements rabbitmq.Connection.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}

	ch := newChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns every channel opened on this connection.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// IsClosed implements rabbitmq.Connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully.
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Fail closes the connection as if the broker had dropped it.
func (c *Connection) Fail(err *amqp.Error) {
	if err == nil {
		err = amqp.ErrClosed
	}
	_ = c.shutdown(err)
}

func (c *Connection) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	return nil
}

// NotifyClose implements rabbitmq.Connection.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Nack records a negative acknowledgement.
type Nack struct {
	Tag      uint64
	Multiple bool
	Requeue  bool
}

// Published records a publish call.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Channel is a fake AMQP channel. It also acts as the amqp.Acknowledger of
// the deliveries it produces.
type Channel struct {
	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	prefetch  int
	nextTag   uint64
	acks      []uint64
	nacks     []Nack
	published []Published
	cancelled []string
	notify    []chan *amqp.Error

	// ConsumeErr, CancelErr and PublishErr force failures of those calls.
	ConsumeErr error
	CancelErr  error
	PublishErr error
}

type consumer struct {
	queue      string
	deliveries chan amqp.Delivery
}

func newChannel() *Channel {
	return &Channel{consumers: make(map[string]*consumer)}
}

// Qos implements rabbitmq.Channel.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the last prefetch count set with Qos.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Consume implements rabbitmq.Channel.
func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, ErrClosed
	}
	if ch.ConsumeErr != nil {
		return nil, ch.ConsumeErr
	}
	if _, ok := ch.consumers[consumerTag]; ok {
		return nil, errors.New("rabbitmqtest: duplicate consumer tag " + consumerTag)
	}

	c := &consumer{queue: queue, deliveries: make(chan amqp.Delivery, 128)}
	ch.consumers[consumerTag] = c
	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel.
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.CancelErr != nil {
		return ch.CancelErr
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	close(c.deliveries)
	ch.cancelled = append(ch.cancelled, consumerTag)
	return nil
}

// Consumers returns the active consumer tags.
func (ch *Channel) Consumers() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// Cancelled returns the consumer tags cancelled so far.
func (ch *Channel) Cancelled() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.cancelled...)
}

// Deliver pushes a message to the consumer registered under consumerTag and
// returns its delivery tag.
func (ch *Channel) Deliver(consumerTag string, msg amqp.Publishing) (uint64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	c, ok := ch.consumers[consumerTag]
	if !ok {
		return 0, errors.New("rabbitmqtest: no consumer " + consumerTag)
	}

	ch.nextTag++
	c.deliveries <- amqp.Delivery{
		Acknowledger:  ch,
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Type:          msg.Type,
		ConsumerTag:   consumerTag,
		DeliveryTag:   ch.nextTag,
		RoutingKey:    c.queue,
		Body:          msg.Body,
	}
	return ch.nextTag, nil
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.acks = append(ch.acks, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.nacks = append(ch.nacks, Nack{Tag: tag, Multiple: multiple, Requeue: requeue})
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// Acks returns acknowledged delivery tags in order.
func (ch *Channel) Acks() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]uint64(nil), ch.acks...)
}

// Nacks returns negative acknowledgements in order.
func (ch *Channel) Nacks() []Nack {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Nack(nil), ch.nacks...)
}

// PublishWithContext implements rabbitmq.Channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.PublishErr != nil {
		return ch.PublishErr
	}
	ch.published = append(ch.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

// Published returns every publish call made on the channel.
func (ch *Channel) Published() []Published {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Published(nil), ch.published...)
}

// IsClosed implements rabbitmq.Channel.
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel.
func (ch *Channel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// Fail closes the channel with a broker error.
func (ch *Channel) Fail(err *amqp.Error) {
	if err == nil {
		err = amqp.ErrClosed
	}
	ch.shutdown(err)
}

func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = make(map[string]*consumer)
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()

	for _, c := range consumers {
		close(c.deliveries)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// NotifyClose implements rabbitmq.Channel.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

var (
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
