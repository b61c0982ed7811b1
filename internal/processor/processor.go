// ABOUTME: Durable queue consumer turning webhook jobs into task state changes
// ABOUTME: Transient failures retry with backoff; unroutable events are dropped for good

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/itamar-marom/oblivion/internal/providers"
	"github.com/itamar-marom/oblivion/internal/queue"
	"github.com/itamar-marom/oblivion/internal/store"
	"github.com/itamar-marom/oblivion/internal/tasks"
)

// TaskFetcher loads task detail from the tracker provider. Webhook
// payloads carry only the external ref; everything else is fetched.
type TaskFetcher interface {
	FetchTask(ctx context.Context, taskID string) (*providers.TrackerTask, error)
}

// Processor consumes webhook jobs off the durable queue.
type Processor struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	service *tasks.Service
	store   store.Store
	tracker TaskFetcher
	logger  *slog.Logger
}

// New creates a Processor. tracker may be nil when the tracker provider
// is not configured; task_created jobs then run on webhook data alone.
func New(redisOpt asynq.RedisClientOpt, service *tasks.Service, st store.Store, tracker TaskFetcher, concurrency int) *Processor {
	p := &Processor{
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{"default": 1},
		}),
		mux:     asynq.NewServeMux(),
		service: service,
		store:   st,
		tracker: tracker,
		logger:  slog.Default().With("component", "processor"),
	}

	p.mux.HandleFunc(queue.KindTaskCreated, p.handleTaskCreated)
	p.mux.HandleFunc(queue.KindTaskUpdated, p.handleTaskUpdated)
	p.mux.HandleFunc(queue.KindTaskComment, p.handleTaskComment)
	p.mux.HandleFunc(queue.KindChatMessage, p.handleChatMessage)
	return p
}

// Start launches the worker pool without blocking.
func (p *Processor) Start() error {
	return p.server.Start(p.mux)
}

// Shutdown drains in-flight jobs and stops the workers.
func (p *Processor) Shutdown() {
	p.server.Shutdown()
}

// handleTaskCreated materializes a provider task locally. The routing
// decision comes from the provider task's tags: the first tag matching
// a project routing tag wins, and a task with no matching tag is
// dropped permanently.
func (p *Processor) handleTaskCreated(ctx context.Context, t *asynq.Task) error {
	var payload queue.TaskCreatedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding task_created payload: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := p.store.GetTaskByExternalRef(ctx, payload.ExternalRef); err == nil {
		p.logger.Debug("task already materialized", "external_ref", payload.ExternalRef)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	title := payload.Title
	description := payload.Description
	priority := payload.Priority
	tags := payload.Tags

	if p.tracker != nil && title == "" {
		detail, err := p.tracker.FetchTask(ctx, payload.ExternalRef)
		switch {
		case errors.Is(err, providers.ErrDisabled):
			// Continue on webhook data alone.
		case err != nil:
			return fmt.Errorf("fetching task detail: %w", err)
		default:
			title = detail.Name
			description = detail.Description
			priority = detail.Priority
			tags = detail.Tags
		}
	}
	if title == "" {
		title = payload.ExternalRef
	}

	project, err := p.resolveProject(ctx, tags)
	if err != nil {
		return err
	}
	if project == nil {
		p.logger.Warn("task has no routing tag, dropping",
			"external_ref", payload.ExternalRef,
			"tags", tags,
		)
		return fmt.Errorf("no project for tags %v: %w", tags, asynq.SkipRetry)
	}

	task := &store.Task{
		ExternalRef: payload.ExternalRef,
		ProjectID:   project.ID,
		Title:       title,
		Description: description,
		Priority:    priority,
	}
	_, err = p.service.Create(ctx, task)
	if errors.Is(err, store.ErrDuplicateTask) {
		return nil
	}
	return err
}

// resolveProject returns the project for the first tag that matches a
// routing tag, or nil when none do.
func (p *Processor) resolveProject(ctx context.Context, tags []string) (*store.Project, error) {
	for _, tag := range tags {
		project, err := p.store.GetProjectByRoutingTag(ctx, tag)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return project, nil
	}
	return nil, nil
}

// handleTaskUpdated applies provider-side status changes. A status
// event for a task we have not materialized yet retries; the created
// event may still be in flight.
func (p *Processor) handleTaskUpdated(ctx context.Context, t *asynq.Task) error {
	var payload queue.TaskUpdatedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding task_updated payload: %v: %w", err, asynq.SkipRetry)
	}

	if payload.Archived {
		err := p.service.Park(ctx, payload.ExternalRef)
		if errors.Is(err, store.ErrNotFound) {
			// Never materialized; nothing to park.
			return nil
		}
		return err
	}

	if payload.RawStatus == "" {
		return nil
	}
	return p.service.SyncExternalStatus(ctx, payload.ExternalRef, payload.RawStatus)
}

func (p *Processor) handleTaskComment(ctx context.Context, t *asynq.Task) error {
	var payload queue.TaskCommentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding task_comment payload: %v: %w", err, asynq.SkipRetry)
	}
	return p.service.AddComment(ctx, payload.ExternalRef, payload.Author, payload.Content, payload.IsHuman)
}

func (p *Processor) handleChatMessage(ctx context.Context, t *asynq.Task) error {
	var payload queue.ChatMessagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding chat_message payload: %v: %w", err, asynq.SkipRetry)
	}
	return p.service.RelayChatMessage(ctx, payload.ThreadRef, payload.UserID, payload.Text)
}
