// Package events publishes control loop milestones (every tick, breaker
// transitions and the final halt) to an in-process buffer, a Redis list and
// channel, or a RabbitMQ topic exchange.
package events
