// Package queue defines the durable job pipeline between webhook
// receipt and event processing.
//
// Webhook handlers validate, normalize, and enqueue; nothing else.
// Each job carries an idempotency key derived from the provider event,
// used as the asynq task ID so redelivered webhooks collapse onto one
// job.
package queue
