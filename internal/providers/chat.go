// ABOUTME: Chat provider client for channel announcements and thread replies
// ABOUTME: Wraps the provider's JSON web API with bearer token auth

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Chat posts messages to the chat provider. The zero credential state
// is valid: every call returns ErrDisabled.
type Chat struct {
	apiBase  string
	botToken string
	client   *http.Client
	logger   *slog.Logger
}

// NewChat creates a chat client. An empty botToken disables the client.
func NewChat(apiBase, botToken string) *Chat {
	return &Chat{
		apiBase:  apiBase,
		botToken: botToken,
		client:   newHTTPClient(),
		logger:   slog.Default().With("component", "chat_provider"),
	}
}

// Enabled reports whether the client has credentials.
func (c *Chat) Enabled() bool {
	return c.botToken != ""
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// PostChannelMessage posts to a channel and returns the provider's
// message timestamp, used afterwards as the thread ref for replies.
func (c *Chat) PostChannelMessage(ctx context.Context, channelID, text string) (string, error) {
	resp, err := c.postMessage(ctx, postMessageRequest{Channel: channelID, Text: text})
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// PostThreadReply posts under an existing thread.
func (c *Chat) PostThreadReply(ctx context.Context, channelID, threadRef, text string) error {
	_, err := c.postMessage(ctx, postMessageRequest{Channel: channelID, Text: text, ThreadTS: threadRef})
	return err
}

func (c *Chat) postMessage(ctx context.Context, req postMessageRequest) (*postMessageResponse, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.botToken)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting chat message: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat provider returned %d", httpResp.StatusCode)
	}

	var decoded postMessageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("chat provider error: %s", decoded.Error)
	}
	return &decoded, nil
}
