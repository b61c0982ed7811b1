// ABOUTME: Tests for the provider clients against httptest servers
// ABOUTME: Covers auth headers, response decoding, and the disabled state

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat_PostChannelMessage(t *testing.T) {
	var gotAuth string
	var gotReq postMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(postMessageResponse{OK: true, TS: "171.001"})
	}))
	defer srv.Close()

	chat := NewChat(srv.URL, "xoxb-token")
	ts, err := chat.PostChannelMessage(context.Background(), "C1", "new task")
	require.NoError(t, err)
	assert.Equal(t, "171.001", ts)
	assert.Equal(t, "Bearer xoxb-token", gotAuth)
	assert.Equal(t, "C1", gotReq.Channel)
	assert.Empty(t, gotReq.ThreadTS)
}

func TestChat_PostThreadReply(t *testing.T) {
	var gotReq postMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(postMessageResponse{OK: true, TS: "171.002"})
	}))
	defer srv.Close()

	chat := NewChat(srv.URL, "xoxb-token")
	require.NoError(t, chat.PostThreadReply(context.Background(), "C1", "171.001", "claimed"))
	assert.Equal(t, "171.001", gotReq.ThreadTS)
}

func TestChat_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(postMessageResponse{OK: false, Error: "channel_not_found"})
	}))
	defer srv.Close()

	chat := NewChat(srv.URL, "xoxb-token")
	_, err := chat.PostChannelMessage(context.Background(), "C-missing", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestChat_Disabled(t *testing.T) {
	chat := NewChat("https://unused.example", "")
	assert.False(t, chat.Enabled())

	_, err := chat.PostChannelMessage(context.Background(), "C1", "text")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, chat.PostThreadReply(context.Background(), "C1", "ts", "text"), ErrDisabled)
}

func TestTracker_FetchTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/task/cu-1", r.URL.Path)
		require.Equal(t, "pk_token", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"id": "cu-1",
			"name": "Fix the build",
			"description": "CI is red",
			"status": {"status": "Open"},
			"priority": {"id": "2"},
			"tags": [{"name": "backend"}, {"name": "ci"}]
		}`))
	}))
	defer srv.Close()

	tracker := NewTracker(srv.URL, "pk_token")
	task, err := tracker.FetchTask(context.Background(), "cu-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix the build", task.Name)
	assert.Equal(t, "Open", task.Status)
	assert.Equal(t, 2, task.Priority)
	assert.Equal(t, []string{"backend", "ci"}, task.Tags)
}

func TestTracker_FetchTask_MissingPriorityDefaultsNormal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cu-1","name":"t","status":{"status":"Open"}}`))
	}))
	defer srv.Close()

	tracker := NewTracker(srv.URL, "pk_token")
	task, err := tracker.FetchTask(context.Background(), "cu-1")
	require.NoError(t, err)
	assert.Equal(t, 3, task.Priority)
}

func TestTracker_FetchTask_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tracker := NewTracker(srv.URL, "pk_token")
	_, err := tracker.FetchTask(context.Background(), "cu-gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTracker_PostComment(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/task/cu-1/comment", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	tracker := NewTracker(srv.URL, "pk_token")
	require.NoError(t, tracker.PostComment(context.Background(), "cu-1", "agent started work"))
	assert.Equal(t, "agent started work", gotBody["comment_text"])
}

func TestTracker_Disabled(t *testing.T) {
	tracker := NewTracker("https://unused.example", "")
	assert.False(t, tracker.Enabled())

	_, err := tracker.FetchTask(context.Background(), "cu-1")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, tracker.PostComment(context.Background(), "cu-1", "x"), ErrDisabled)
}
