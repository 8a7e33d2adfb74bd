// Package rabbitmq provides the broker-facing half of the client layer.
//
// This package includes:
//   - Connection and Channel: the broker session capability, backed by amqp091-go
//   - ConnectionManager: owns one logical connection, lazily or from a background loop
//   - ChannelPool: hands out channels with a bounded number of reuses
//   - AffinityChannels: one stable channel per owner key and prefetch count
//   - Publisher: publishes raw or JSON-encoded messages through a ChannelSource
//
// A new connection invalidates every channel created on the previous one.
// The manager notifies its listeners synchronously, and both channel
// providers drop their stale channels before any caller can reach the new
// connection through them.
package rabbitmq
