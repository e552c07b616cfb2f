// Package rabbitmq holds the HTTP management-API client used by the
// RabbitMQ provider for structured inquiries (queue listings, depth,
// channel rows) that plain AMQP cannot answer.
package rabbitmq
