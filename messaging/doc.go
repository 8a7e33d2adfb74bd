// Package messaging drives message consumption on top of the rabbitmq package.
//
// A Registry maps queue names to ConsumerProviders. A Host subscribes every
// registered queue on one pooled channel, using the queue name as consumer
// tag, and hands each delivery to the resolved Consumer:
//
//	registry := messaging.NewRegistry()
//	registry.RegisterConsumer("orders", messaging.ConsumerFunc(handleOrder), true)
//	host := messaging.NewHost(pool, registry)
//	if err := host.Start(ctx); err != nil {
//		return err
//	}
//	defer host.Stop(context.Background())
//
// A nil error from Consume acks the delivery and an error nacks it,
// requeueing when the registration asks for it. Every delivery is settled
// exactly once. Consumers that settle later, like BatchConsumer, take over
// with Message.Defer.
//
// Emulator runs the same dispatch path without a broker, which makes
// consumer logic testable synchronously.
package messaging
