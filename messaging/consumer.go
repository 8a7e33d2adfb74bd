package messaging

import "context"

// Consumer processes one delivered message. Returning an error rejects the
// delivery; returning nil acknowledges it, unless the consumer took over
// settlement with Message.Defer.
type Consumer interface {
	Consume(ctx context.Context, msg *Message) error
}

// ConsumerFunc is a function adapter for Consumer
type ConsumerFunc func(ctx context.Context, msg *Message) error

// Consume implements Consumer
func (f ConsumerFunc) Consume(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// BatchHandler processes a batch of decoded messages at once. An error
// rejects every message of the batch.
type BatchHandler[T any] interface {
	ConsumeBatch(ctx context.Context, batch []T) error
}

// BatchHandlerFunc is a function adapter for BatchHandler
type BatchHandlerFunc[T any] func(ctx context.Context, batch []T) error

// ConsumeBatch implements BatchHandler
func (f BatchHandlerFunc[T]) ConsumeBatch(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

// Drainer is implemented by consumers holding deliveries they have not
// settled yet. The host drains them when their subscription ends.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Discarder is implemented by consumers holding unsettled deliveries of a
// channel. The host calls Discard when that channel is lost: the broker
// redelivers those messages, so they are dropped without being handled.
type Discarder interface {
	Discard()
}
