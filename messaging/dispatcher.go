package messaging

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dispatcher routes deliveries to consumer logic and settles them. The host
// and the emulator share it so that both resolve deliveries the same way.
type dispatcher struct {
	registry *Registry
	reporter StatusReporter
	logger   *slog.Logger
}

func newDispatcher(registry *Registry, reporter StatusReporter, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		registry: registry,
		reporter: reporter,
		logger:   logger,
	}
}

// dispatch handles one delivery. The consumer tag carries the queue name.
func (d *dispatcher) dispatch(ctx context.Context, delivery amqp.Delivery) {
	queue := delivery.ConsumerTag

	reg, ok := d.registry.Lookup(queue)
	if !ok {
		// no ack or nack: the broker redelivers once the subscription is gone
		d.logger.Warn("no consumer registered for delivery",
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
			"messageId", delivery.MessageId)
		d.report(MessageStatus{
			Queue:       queue,
			MessageID:   delivery.MessageId,
			DeliveryTag: delivery.DeliveryTag,
			Status:      StatusDropped,
			Err:         ErrConsumerNotFound,
		})
		return
	}

	d.deliver(ctx, reg, delivery)
}

// deliver hands a delivery to the consumer of reg and settles it.
func (d *dispatcher) deliver(ctx context.Context, reg Registration, delivery amqp.Delivery) {
	queue := delivery.ConsumerTag
	settlement := newSettlement(queue, delivery, d.report)
	msg := newMessage(queue, delivery, settlement)
	ctx = contextWithMessage(ctx, msg)

	err := d.invoke(ctx, reg, msg)
	if msg.isDeferred() {
		if err != nil {
			d.logger.Warn("deferred consumer returned an error",
				"queue", queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", err)
		}
		return
	}

	if err == nil {
		if ackErr := settlement.Ack(); ackErr != nil {
			d.logger.Warn("failed to acknowledge message",
				"queue", queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", ackErr)
		}
		return
	}

	cause := &ProcessingError{
		Queue:       queue,
		DeliveryTag: delivery.DeliveryTag,
		MessageID:   delivery.MessageId,
		Err:         err,
	}
	if nackErr := settlement.Nack(cause, reg.RequeueOnError); nackErr != nil {
		d.logger.Warn("failed to reject message",
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", nackErr)
	}
}

func (d *dispatcher) invoke(ctx context.Context, reg Registration, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in consumer: %v", r)
		}
	}()

	consumer, err := reg.Provider.Resolve(ctx)
	if err != nil {
		return err
	}
	return consumer.Consume(ctx, msg)
}

func (d *dispatcher) report(status MessageStatus) {
	if d.reporter != nil {
		d.reporter.Report(status)
	}
}
