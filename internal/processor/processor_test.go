// ABOUTME: Tests driving processor handlers directly with synthetic jobs
// ABOUTME: Distinguishes retryable failures from permanent SkipRetry drops

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamar-marom/oblivion/internal/events"
	"github.com/itamar-marom/oblivion/internal/providers"
	"github.com/itamar-marom/oblivion/internal/queue"
	"github.com/itamar-marom/oblivion/internal/store"
	"github.com/itamar-marom/oblivion/internal/tasks"
)

type nullNotifier struct {
	mu     sync.Mutex
	direct map[string][]events.Envelope
}

func newNullNotifier() *nullNotifier {
	return &nullNotifier{direct: make(map[string][]events.Envelope)}
}

func (n *nullNotifier) EmitToAgent(ctx context.Context, agentID string, env events.Envelope) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.direct[agentID] = append(n.direct[agentID], env)
	return true, nil
}

func (n *nullNotifier) EmitToMany(ctx context.Context, agentIDs []string, env events.Envelope) int {
	for _, id := range agentIDs {
		_, _ = n.EmitToAgent(ctx, id, env)
	}
	return len(agentIDs)
}

type fakeFetcher struct {
	tasks map[string]*providers.TrackerTask
	err   error
}

func (f *fakeFetcher) FetchTask(ctx context.Context, taskID string) (*providers.TrackerTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, errors.New("task not found in tracker")
	}
	return task, nil
}

type fixture struct {
	processor *Processor
	store     *store.SQLiteStore
	notifier  *nullNotifier
	fetcher   *fakeFetcher
	service   *tasks.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateProject(context.Background(), &store.Project{
		ID:         "proj-1",
		TenantID:   "tenant-1",
		Name:       "Backend",
		RoutingTag: "backend",
	}))
	require.NoError(t, st.AddProjectMember(context.Background(), "proj-1", "agent-a"))

	notifier := newNullNotifier()
	service := tasks.New(st, notifier, nil, nil)
	fetcher := &fakeFetcher{tasks: map[string]*providers.TrackerTask{}}

	mr := miniredis.RunT(t)
	p := New(asynq.RedisClientOpt{Addr: mr.Addr()}, service, st, fetcher, 1)
	return &fixture{processor: p, store: st, notifier: notifier, fetcher: fetcher, service: service}
}

func job(t *testing.T, kind string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(kind, data)
}

func TestTaskCreated_MaterializedFromTrackerDetail(t *testing.T) {
	f := newFixture(t)
	f.fetcher.tasks["cu-1"] = &providers.TrackerTask{
		ID:          "cu-1",
		Name:        "Fix the build",
		Description: "CI is red",
		Priority:    2,
		Tags:        []string{"urgentish", "backend"},
	}

	err := f.processor.handleTaskCreated(context.Background(), job(t, queue.KindTaskCreated, queue.TaskCreatedPayload{ExternalRef: "cu-1"}))
	require.NoError(t, err)

	task, err := f.store.GetTaskByExternalRef(context.Background(), "cu-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix the build", task.Title)
	assert.Equal(t, "proj-1", task.ProjectID)
	assert.Equal(t, 2, task.Priority)
	assert.Equal(t, store.StatusTodo, task.Status)

	// The project member heard about it.
	require.Len(t, f.notifier.direct["agent-a"], 1)
	assert.Equal(t, events.TypeTaskAvailable, f.notifier.direct["agent-a"][0].Type)
}

func TestTaskCreated_NoRoutingTagDropped(t *testing.T) {
	f := newFixture(t)
	f.fetcher.tasks["cu-2"] = &providers.TrackerTask{
		ID:   "cu-2",
		Name: "Untagged task",
		Tags: []string{"design"},
	}

	err := f.processor.handleTaskCreated(context.Background(), job(t, queue.KindTaskCreated, queue.TaskCreatedPayload{ExternalRef: "cu-2"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	_, err = f.store.GetTaskByExternalRef(context.Background(), "cu-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskCreated_TrackerUnavailableRetries(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("tracker 502")

	err := f.processor.handleTaskCreated(context.Background(), job(t, queue.KindTaskCreated, queue.TaskCreatedPayload{ExternalRef: "cu-1"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestTaskCreated_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.fetcher.tasks["cu-1"] = &providers.TrackerTask{ID: "cu-1", Name: "Task", Tags: []string{"backend"}}

	j := job(t, queue.KindTaskCreated, queue.TaskCreatedPayload{ExternalRef: "cu-1"})
	require.NoError(t, f.processor.handleTaskCreated(context.Background(), j))
	require.NoError(t, f.processor.handleTaskCreated(context.Background(), j))

	// Only one announcement went out.
	assert.Len(t, f.notifier.direct["agent-a"], 1)
}

func TestTaskCreated_WebhookDataOnly(t *testing.T) {
	f := newFixture(t)

	err := f.processor.handleTaskCreated(context.Background(), job(t, queue.KindTaskCreated, queue.TaskCreatedPayload{
		ExternalRef: "cu-3",
		Title:       "Prefilled",
		Priority:    1,
		Tags:        []string{"backend"},
	}))
	require.NoError(t, err)

	task, err := f.store.GetTaskByExternalRef(context.Background(), "cu-3")
	require.NoError(t, err)
	assert.Equal(t, "Prefilled", task.Title)
	assert.Equal(t, store.PriorityUrgent, task.Priority)
}

func TestTaskUpdated_StatusSynced(t *testing.T) {
	f := newFixture(t)
	f.seedClaimedTask(t, "cu-1")

	err := f.processor.handleTaskUpdated(context.Background(), job(t, queue.KindTaskUpdated, queue.TaskUpdatedPayload{
		ExternalRef: "cu-1",
		RawStatus:   "in review",
	}))
	require.NoError(t, err)

	task, err := f.store.GetTaskByExternalRef(context.Background(), "cu-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, task.Status)
}

func TestTaskUpdated_UnknownTaskRetries(t *testing.T) {
	f := newFixture(t)

	err := f.processor.handleTaskUpdated(context.Background(), job(t, queue.KindTaskUpdated, queue.TaskUpdatedPayload{
		ExternalRef: "cu-ghost",
		RawStatus:   "done",
	}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestTaskUpdated_ArchivedParks(t *testing.T) {
	f := newFixture(t)
	f.seedClaimedTask(t, "cu-1")

	err := f.processor.handleTaskUpdated(context.Background(), job(t, queue.KindTaskUpdated, queue.TaskUpdatedPayload{
		ExternalRef: "cu-1",
		Archived:    true,
	}))
	require.NoError(t, err)

	task, err := f.store.GetTaskByExternalRef(context.Background(), "cu-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlockedOnHuman, task.Status)
}

func TestTaskUpdated_ArchivedUnknownTaskDropped(t *testing.T) {
	f := newFixture(t)

	err := f.processor.handleTaskUpdated(context.Background(), job(t, queue.KindTaskUpdated, queue.TaskUpdatedPayload{
		ExternalRef: "cu-ghost",
		Archived:    true,
	}))
	assert.NoError(t, err)
}

func TestTaskComment_RelayedToClaimant(t *testing.T) {
	f := newFixture(t)
	f.seedClaimedTask(t, "cu-1")

	err := f.processor.handleTaskComment(context.Background(), job(t, queue.KindTaskComment, queue.TaskCommentPayload{
		ExternalRef: "cu-1",
		Author:      "pm",
		Content:     "deadline moved up",
		IsHuman:     true,
	}))
	require.NoError(t, err)

	var sawUpdate bool
	for _, env := range f.notifier.direct["agent-a"] {
		if env.Type == events.TypeContextUpdate {
			sawUpdate = true
		}
	}
	assert.True(t, sawUpdate)
}

func TestChatMessage_RelayedByThreadRef(t *testing.T) {
	f := newFixture(t)
	taskID := f.seedClaimedTask(t, "cu-1")
	require.NoError(t, f.store.SetTaskThreadRef(context.Background(), taskID, "171.001"))

	err := f.processor.handleChatMessage(context.Background(), job(t, queue.KindChatMessage, queue.ChatMessagePayload{
		ChannelID: "C1",
		ThreadRef: "171.001",
		UserID:    "U9",
		Text:      "any progress?",
	}))
	require.NoError(t, err)

	var got []events.Envelope
	for _, env := range f.notifier.direct["agent-a"] {
		if env.Type == events.TypeContextUpdate {
			got = append(got, env)
		}
	}
	require.Len(t, got, 1)
	payload, err := events.DecodePayload[events.ContextUpdatePayload](got[0])
	require.NoError(t, err)
	assert.Equal(t, "any progress?", payload.Content)
	assert.True(t, payload.IsHuman)
}

func TestChatMessage_OutsideTaskThreadDropped(t *testing.T) {
	f := newFixture(t)

	err := f.processor.handleChatMessage(context.Background(), job(t, queue.KindChatMessage, queue.ChatMessagePayload{
		ChannelID: "C1",
		ThreadRef: "171.404",
		UserID:    "U9",
		Text:      "random chatter",
	}))
	assert.NoError(t, err)
}

func TestMalformedPayloadDropped(t *testing.T) {
	f := newFixture(t)

	err := f.processor.handleTaskCreated(context.Background(), asynq.NewTask(queue.KindTaskCreated, []byte("{broken")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

// seedClaimedTask materializes a task and claims it for agent-a,
// returning the local task id.
func (f *fixture) seedClaimedTask(t *testing.T, externalRef string) string {
	t.Helper()

	task := &store.Task{
		ExternalRef: externalRef,
		ProjectID:   "proj-1",
		Title:       "seeded " + externalRef,
	}
	_, err := f.service.Create(context.Background(), task)
	require.NoError(t, err)

	result, err := f.service.Claim(context.Background(), "agent-a", task.ID)
	require.NoError(t, err)
	require.True(t, result.Success)
	return task.ID
}
