// ABOUTME: Job kinds, payloads, and the enqueue wrapper for the webhook pipeline
// ABOUTME: Idempotency rides on asynq task IDs; a conflict means the job already exists

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Job kinds handled by the processor. The prefix keeps webhook-origin
// jobs distinguishable in queue inspection tooling.
const (
	KindTaskCreated = "webhook:task_created"
	KindTaskUpdated = "webhook:task_updated"
	KindTaskComment = "webhook:task_comment"
	KindChatMessage = "webhook:chat_message"
)

// ErrDuplicate is returned when a job with the same idempotency key was
// already enqueued. Callers treat it as success.
var ErrDuplicate = errors.New("duplicate job")

// TaskCreatedPayload is a normalized tracker task-created event.
type TaskCreatedPayload struct {
	ExternalRef string   `json:"externalRef"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags"`
}

// TaskUpdatedPayload is a tracker status change, raw status included.
type TaskUpdatedPayload struct {
	ExternalRef string `json:"externalRef"`
	RawStatus   string `json:"rawStatus"`
	Archived    bool   `json:"archived,omitempty"`
}

// TaskCommentPayload is a tracker comment on a known task.
type TaskCommentPayload struct {
	ExternalRef string `json:"externalRef"`
	Author      string `json:"author"`
	Content     string `json:"content"`
	IsHuman     bool   `json:"isHuman"`
}

// ChatMessagePayload is an inbound chat message, usually a thread reply
// under a task announcement.
type ChatMessagePayload struct {
	ChannelID string `json:"channelId"`
	ThreadRef string `json:"threadRef,omitempty"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
}

// Enqueuer puts webhook jobs on the durable queue.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
	logger   *slog.Logger
}

// NewEnqueuer creates an Enqueuer against the given Redis connection.
func NewEnqueuer(redisOpt asynq.RedisClientOpt, maxRetry int) *Enqueuer {
	return &Enqueuer{
		client:   asynq.NewClient(redisOpt),
		maxRetry: maxRetry,
		logger:   slog.Default().With("component", "queue"),
	}
}

// Enqueue persists one job. idempotencyKey doubles as the asynq task
// ID, so a replayed webhook collapses onto the first enqueue and
// surfaces as ErrDuplicate.
func (e *Enqueuer) Enqueue(ctx context.Context, kind string, payload any, idempotencyKey string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", kind, err)
	}

	task := asynq.NewTask(kind, data)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID(idempotencyKey),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(30*time.Second),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		e.logger.Debug("duplicate job suppressed", "kind", kind, "idempotency_key", idempotencyKey)
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", kind, err)
	}

	e.logger.Debug("job enqueued", "kind", kind, "idempotency_key", idempotencyKey)
	return nil
}

// Close releases the underlying client.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
