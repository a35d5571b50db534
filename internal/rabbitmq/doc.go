// Package rabbitmq provides the RabbitMQ client used by pipeforce services.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reconnects with backoff
//   - ChannelPool: reuses channels for publishing and topology declaration
//   - Publisher: publishes with publisher confirms
//   - Consumer: manually acknowledged consumers on dedicated channels
//   - TopologyManager: declares the service exchange, queue and bindings
package rabbitmq
