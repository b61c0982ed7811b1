// ABOUTME: Task lifecycle service including the atomic claim arbitrator
// ABOUTME: Eligibility is checked before any write; the store decides claim races

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/itamar-marom/oblivion/internal/events"
	"github.com/itamar-marom/oblivion/internal/store"
)

// ErrNotClaimant is returned when an agent updates a task it does not hold.
var ErrNotClaimant = errors.New("task is claimed by a different agent")

// ErrTaskDone is returned on attempts to move a task out of its
// terminal state.
var ErrTaskDone = errors.New("task is done")

// Claim failure reasons carried in ClaimResultPayload.Error. The REST
// layer maps them onto status codes, so they are constants rather than
// ad hoc strings.
const (
	ReasonNotFound       = "task not found"
	ReasonNotEligible    = "not in project group"
	ReasonAlreadyClaimed = "claimed by another agent"
)

// Notifier delivers realtime events to agents. The gateway satisfies
// this through a thin adapter in the command wiring.
type Notifier interface {
	EmitToAgent(ctx context.Context, agentID string, env events.Envelope) (bool, error)
	EmitToMany(ctx context.Context, agentIDs []string, env events.Envelope) int
}

// ChatPoster posts announcements to the chat provider. Announcements
// are best-effort; a failed post never fails the operation behind it.
type ChatPoster interface {
	PostChannelMessage(ctx context.Context, channelID, text string) (string, error)
	PostThreadReply(ctx context.Context, channelID, threadRef, text string) error
}

// TrackerPoster mirrors chat-side conversation back onto the external
// task. Posts are best-effort, same as ChatPoster.
type TrackerPoster interface {
	PostComment(ctx context.Context, externalRef, text string) error
}

// Service owns task lifecycle. All claim traffic, realtime and REST
// alike, funnels through Claim.
type Service struct {
	store    store.Store
	notifier Notifier
	chat     ChatPoster
	tracker  TrackerPoster
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service. chat and tracker may be nil when the matching
// provider is not configured; cross-posting is skipped then.
func New(st store.Store, notifier Notifier, chat ChatPoster, tracker TrackerPoster) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		chat:     chat,
		tracker:  tracker,
		logger:   slog.Default().With("component", "tasks"),
		now:      time.Now,
	}
}

// Create persists a new task and announces it to the project's agents.
// It returns the number of agents the announcement reached. A duplicate
// external ref surfaces store.ErrDuplicateTask untouched.
func (s *Service) Create(ctx context.Context, task *store.Task) (int, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = store.StatusTodo
	}
	if task.Priority == 0 {
		task.Priority = store.PriorityNormal
	}

	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("resolving project: %w", err)
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return 0, err
	}

	s.announceTask(ctx, task, project)

	payload := events.TaskAvailablePayload{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		GroupID:     project.RoutingTag,
		ExternalRef: task.ExternalRef,
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
	}
	env, err := events.New(events.TypeTaskAvailable, payload)
	if err != nil {
		return 0, err
	}

	members, err := s.store.ListProjectMembers(ctx, task.ProjectID)
	if err != nil {
		s.logger.Warn("listing project members failed", "project_id", task.ProjectID, "error", err)
		return 0, nil
	}

	notified := s.notifier.EmitToMany(ctx, members, env)
	s.logger.Info("task created",
		"task_id", task.ID,
		"project_id", task.ProjectID,
		"notified", notified,
	)
	return notified, nil
}

// announceTask posts the task to the project's chat channel and records
// the resulting thread ref so later updates can reply in-thread.
func (s *Service) announceTask(ctx context.Context, task *store.Task, project *store.Project) {
	if s.chat == nil || project.ChatChannelID == "" {
		return
	}

	text := fmt.Sprintf("New task: %s", task.Title)
	threadRef, err := s.chat.PostChannelMessage(ctx, project.ChatChannelID, text)
	if err != nil {
		s.logger.Warn("chat announcement failed", "task_id", task.ID, "error", err)
		return
	}
	task.ThreadRef = threadRef
	if err := s.store.SetTaskThreadRef(ctx, task.ID, threadRef); err != nil {
		s.logger.Warn("recording thread ref failed", "task_id", task.ID, "error", err)
	}
}

// crossPostToThread mirrors text into the task's chat announcement
// thread. Swallow-and-log: the primary relay must not fail on it.
func (s *Service) crossPostToThread(ctx context.Context, task *store.Task, text string) {
	if s.chat == nil || task.ThreadRef == "" {
		return
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil || project.ChatChannelID == "" {
		return
	}
	if err := s.chat.PostThreadReply(ctx, project.ChatChannelID, task.ThreadRef, text); err != nil {
		s.logger.Warn("cross-post to chat thread failed", "task_id", task.ID, "error", err)
	}
}

// crossPostToTracker mirrors text onto the external task as a comment.
// Swallow-and-log, same policy as crossPostToThread.
func (s *Service) crossPostToTracker(ctx context.Context, task *store.Task, text string) {
	if s.tracker == nil || task.ExternalRef == "" {
		return
	}
	if err := s.tracker.PostComment(ctx, task.ExternalRef, text); err != nil {
		s.logger.Warn("cross-post to tracker failed", "task_id", task.ID, "error", err)
	}
}

// Claim arbitrates exactly-one-claimant for a task. Losing the race and
// ineligibility are reported in the result payload, not as errors; the
// error return is reserved for infrastructure failures.
func (s *Service) Claim(ctx context.Context, agentID, taskID string) (events.ClaimResultPayload, error) {
	failure := func(msg string) events.ClaimResultPayload {
		return events.ClaimResultPayload{TaskID: taskID, Success: false, Error: msg}
	}

	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return failure(ReasonNotFound), nil
	}
	if err != nil {
		return events.ClaimResultPayload{}, err
	}

	// Eligibility gates the claim before any write is attempted.
	members, err := s.store.ListProjectMembers(ctx, task.ProjectID)
	if err != nil {
		return events.ClaimResultPayload{}, err
	}
	if !contains(members, agentID) {
		return failure(ReasonNotEligible), nil
	}

	claimedAt := s.now().UTC()
	won, err := s.store.ClaimTask(ctx, taskID, agentID, claimedAt)
	if err != nil {
		return events.ClaimResultPayload{}, err
	}

	if !won {
		// Re-read to distinguish losing the race from re-claiming a
		// task this agent already holds.
		current, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return events.ClaimResultPayload{}, err
		}
		if current.ClaimedBy == agentID {
			result := events.ClaimResultPayload{TaskID: taskID, Success: true}
			if current.ClaimedAt != nil {
				result.ClaimedAt = current.ClaimedAt.Format(time.RFC3339Nano)
			}
			return result, nil
		}
		return failure(ReasonAlreadyClaimed), nil
	}

	s.logger.Info("task claimed", "task_id", taskID, "agent_id", agentID)
	s.notifyClaimed(ctx, task, agentID, claimedAt, members)

	return events.ClaimResultPayload{
		TaskID:    taskID,
		Success:   true,
		ClaimedAt: claimedAt.Format(time.RFC3339Nano),
	}, nil
}

// notifyClaimed tells the rest of the project group the task is taken
// and replies in the announcement thread. Both are best-effort.
func (s *Service) notifyClaimed(ctx context.Context, task *store.Task, agentID string, claimedAt time.Time, members []string) {
	payload := events.TaskClaimedPayload{
		TaskID:    task.ID,
		ClaimedBy: agentID,
		ClaimedAt: claimedAt.Format(time.RFC3339Nano),
	}
	env, err := events.New(events.TypeTaskClaimed, payload)
	if err != nil {
		s.logger.Warn("building task_claimed event failed", "error", err)
		return
	}

	audience := make([]string, 0, len(members))
	for _, m := range members {
		if m != agentID {
			audience = append(audience, m)
		}
	}
	s.notifier.EmitToMany(ctx, audience, env)

	if s.chat != nil && task.ThreadRef != "" {
		project, err := s.store.GetProject(ctx, task.ProjectID)
		if err != nil || project.ChatChannelID == "" {
			return
		}
		text := fmt.Sprintf("Claimed by %s", agentID)
		if err := s.chat.PostThreadReply(ctx, project.ChatChannelID, task.ThreadRef, text); err != nil {
			s.logger.Warn("thread reply failed", "task_id", task.ID, "error", err)
		}
	}
}

// UpdateStatus moves a claimed task through its lifecycle. Only the
// claimant may move it. DONE is terminal; re-asserting DONE on a done
// task is accepted and does nothing.
func (s *Service) UpdateStatus(ctx context.Context, agentID, taskID string, status store.TaskStatus) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.ClaimedBy != agentID {
		return ErrNotClaimant
	}
	if task.Status == store.StatusDone {
		if status == store.StatusDone {
			return nil
		}
		return ErrTaskDone
	}
	if task.Status == status {
		return nil
	}

	if err := s.store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}

	s.logger.Info("task status updated",
		"task_id", taskID,
		"agent_id", agentID,
		"from", task.Status,
		"to", status,
	)
	return nil
}

// SyncExternalStatus applies a provider-side status change to the local
// task. Raw statuses resolve through the ordered keyword table; an
// unmapped status is ignored. TODO from the provider never un-claims a
// task.
func (s *Service) SyncExternalStatus(ctx context.Context, externalRef, rawStatus string) error {
	task, err := s.store.GetTaskByExternalRef(ctx, externalRef)
	if err != nil {
		return err
	}

	mapped, ok, ambiguous := mapExternalStatus(rawStatus)
	if !ok {
		s.logger.Debug("unmapped provider status ignored",
			"task_id", task.ID,
			"raw_status", rawStatus,
		)
		return nil
	}
	if ambiguous {
		s.logger.Warn("provider status matched multiple rules, using first",
			"task_id", task.ID,
			"raw_status", rawStatus,
			"mapped", mapped,
		)
	}

	if task.Status == store.StatusDone {
		// Terminal locally; the provider cannot reopen it.
		return nil
	}
	if mapped == store.StatusTodo && task.ClaimedBy != "" {
		s.logger.Debug("provider TODO ignored for claimed task", "task_id", task.ID)
		return nil
	}
	if mapped == task.Status {
		return nil
	}

	if err := s.store.UpdateTaskStatus(ctx, task.ID, mapped); err != nil {
		return err
	}

	s.logger.Info("task status synced from provider",
		"task_id", task.ID,
		"raw_status", rawStatus,
		"mapped", mapped,
	)

	// Let the claimant know the provider moved its task.
	if task.ClaimedBy != "" {
		payload := events.ContextUpdatePayload{
			TaskID:  task.ID,
			Author:  "tracker",
			Content: fmt.Sprintf("status changed to %s", mapped),
		}
		env, err := events.New(events.TypeContextUpdate, payload)
		if err == nil {
			if _, err := s.notifier.EmitToAgent(ctx, task.ClaimedBy, env); err != nil {
				s.logger.Warn("context update delivery failed", "agent_id", task.ClaimedBy, "error", err)
			}
		}
	}
	return nil
}

// AddComment relays a provider-side comment to the task's claimant as a
// context_update and mirrors human comments into the chat announcement
// thread. Comments on unclaimed tasks are not delivered to any agent
// but still reach the thread.
func (s *Service) AddComment(ctx context.Context, externalRef, author, content string, isHuman bool) error {
	task, err := s.store.GetTaskByExternalRef(ctx, externalRef)
	if err != nil {
		return err
	}

	// Only human comments cross-post; relayed chat messages come back
	// through this path as bot comments and must not echo.
	if isHuman {
		s.crossPostToThread(ctx, task, fmt.Sprintf("%s: %s", author, content))
	}

	if task.ClaimedBy == "" {
		s.logger.Debug("comment on unclaimed task not delivered", "task_id", task.ID)
		return nil
	}

	payload := events.ContextUpdatePayload{
		TaskID:  task.ID,
		Author:  author,
		Content: content,
		IsHuman: isHuman,
	}
	env, err := events.New(events.TypeContextUpdate, payload)
	if err != nil {
		return err
	}

	delivered, err := s.notifier.EmitToAgent(ctx, task.ClaimedBy, env)
	if err != nil {
		return err
	}
	if !delivered {
		s.logger.Debug("claimant offline, comment not delivered",
			"task_id", task.ID,
			"agent_id", task.ClaimedBy,
		)
	}
	return nil
}

// RelayChatMessage forwards a human thread reply to the claimant of
// the task announced in that thread and mirrors it onto the external
// task as a comment. Messages outside a known task thread are dropped;
// on an unclaimed task the comment still reaches the tracker.
func (s *Service) RelayChatMessage(ctx context.Context, threadRef, author, content string) error {
	if threadRef == "" {
		return nil
	}

	task, err := s.store.GetTaskByThreadRef(ctx, threadRef)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("chat message outside task threads dropped", "thread_ref", threadRef)
		return nil
	}
	if err != nil {
		return err
	}

	s.crossPostToTracker(ctx, task, fmt.Sprintf("%s: %s", author, content))

	if task.ClaimedBy == "" {
		s.logger.Debug("chat message on unclaimed task not delivered", "task_id", task.ID)
		return nil
	}

	payload := events.ContextUpdatePayload{
		TaskID:  task.ID,
		Author:  author,
		Content: content,
		IsHuman: true,
	}
	env, err := events.New(events.TypeContextUpdate, payload)
	if err != nil {
		return err
	}
	if _, err := s.notifier.EmitToAgent(ctx, task.ClaimedBy, env); err != nil {
		return err
	}
	return nil
}

// Park takes a task out of circulation without completing it, used
// when the provider archives it. A parked task waits on a human.
func (s *Service) Park(ctx context.Context, externalRef string) error {
	task, err := s.store.GetTaskByExternalRef(ctx, externalRef)
	if err != nil {
		return err
	}
	if task.Status == store.StatusDone || task.Status == store.StatusBlockedOnHuman {
		return nil
	}

	if err := s.store.UpdateTaskStatus(ctx, task.ID, store.StatusBlockedOnHuman); err != nil {
		return err
	}
	s.logger.Info("task parked", "task_id", task.ID, "external_ref", externalRef)
	return nil
}

// ListAvailable returns unclaimed TODO tasks in the agent's project
// groups, highest priority first.
func (s *Service) ListAvailable(ctx context.Context, agentID string) ([]*store.Task, error) {
	projectIDs, err := s.store.ListProjectsForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(projectIDs) == 0 {
		return []*store.Task{}, nil
	}
	return s.store.ListAvailableTasks(ctx, projectIDs)
}

// ListClaimed returns the agent's open claimed tasks.
func (s *Service) ListClaimed(ctx context.Context, agentID string) ([]*store.Task, error) {
	return s.store.ListClaimedTasks(ctx, agentID)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
