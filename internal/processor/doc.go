// Package processor consumes the webhook job queue.
//
// Handlers are idempotent by construction: a replayed job re-reads
// current state and converges on it instead of failing. Errors fall in
// two classes. Transient ones, an unreachable provider or an event
// arriving before the task it references, return plain errors and
// retry with backoff. Permanent ones, a task with no routing tag or an
// undecodable payload, are wrapped in asynq.SkipRetry and dropped
// after one loud log line.
package processor
