package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of an AMQP connection the client layer relies on.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

// Channel is the subset of an AMQP channel the client layer relies on.
// *amqp.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

// Dialer opens a new broker connection.
type Dialer func(url string, config amqp.Config) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

// DialAMQP is the default Dialer backed by amqp091-go.
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
