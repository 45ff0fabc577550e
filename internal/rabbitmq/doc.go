// Package rabbitmq owns the broker connection for the catalog sync service.
//
// This package includes:
//   - ConnectionManager: dials RabbitMQ and reconnects with exponential backoff
//   - ManagedChannel: a single channel whose registered setups are replayed,
//     in order, every time the channel is (re)opened
//   - Topology: exchange, queue and binding declarations installed as one setup
//
// Setups must be idempotent. Re-declaring an identical exchange or queue is a
// no-op at the protocol level, which is what makes replay after a reconnect safe.
package rabbitmq
