// ABOUTME: Tracker provider client for task detail lookups and comments
// ABOUTME: Webhook payloads are thin; task detail is fetched on demand

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// TrackerTask is the slice of provider task detail the processor needs.
type TrackerTask struct {
	ID          string
	Name        string
	Description string
	Status      string
	Priority    int
	Tags        []string
}

// Tracker fetches task detail from and posts comments to the tracker
// provider. An empty apiToken disables the client.
type Tracker struct {
	apiBase  string
	apiToken string
	client   *http.Client
	logger   *slog.Logger
}

func NewTracker(apiBase, apiToken string) *Tracker {
	return &Tracker{
		apiBase:  apiBase,
		apiToken: apiToken,
		client:   newHTTPClient(),
		logger:   slog.Default().With("component", "tracker_provider"),
	}
}

// Enabled reports whether the client has credentials.
func (t *Tracker) Enabled() bool {
	return t.apiToken != ""
}

// trackerTaskResponse mirrors the provider's task detail shape. Status
// and priority are nested objects; tags carry names.
type trackerTaskResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      struct {
		Status string `json:"status"`
	} `json:"status"`
	Priority struct {
		ID string `json:"id"`
	} `json:"priority"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

// FetchTask loads one task's detail.
func (t *Tracker) FetchTask(ctx context.Context, taskID string) (*TrackerTask, error) {
	if !t.Enabled() {
		return nil, ErrDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.apiToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("task %s not found in tracker", taskID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned %d for task %s", resp.StatusCode, taskID)
	}

	var decoded trackerTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}

	task := &TrackerTask{
		ID:          decoded.ID,
		Name:        decoded.Name,
		Description: decoded.Description,
		Status:      decoded.Status.Status,
		Priority:    priorityFromID(decoded.Priority.ID),
	}
	for _, tag := range decoded.Tags {
		task.Tags = append(task.Tags, tag.Name)
	}
	return task, nil
}

// priorityFromID maps the provider's 1..4 priority ids onto ours, which
// use the same scale. Anything unparseable is normal priority.
func priorityFromID(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 || n > 4 {
		return 3
	}
	return n
}

// PostComment adds a comment to a tracker task.
func (t *Tracker) PostComment(ctx context.Context, taskID, text string) error {
	if !t.Enabled() {
		return ErrDisabled
	}

	body, err := json.Marshal(map[string]string{"comment_text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/task/"+taskID+"/comment", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", t.apiToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting comment on task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker returned %d posting comment on task %s", resp.StatusCode, taskID)
	}
	return nil
}
