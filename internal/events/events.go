// ABOUTME: Event envelope and payload types for the agent realtime protocol
// ABOUTME: All frames are JSON envelopes {type, payload, timestamp} with camelCase payload fields

package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an event on the realtime channel.
type Type string

// Server -> agent events.
const (
	TypeConnected     Type = "connected"
	TypeTaskAvailable Type = "task_available"
	TypeTaskClaimed   Type = "task_claimed"
	TypeClaimResult   Type = "claim_result"
	TypeContextUpdate Type = "context_update"
	TypeWakeUp        Type = "wake_up"
	TypeToolResult    Type = "tool_result"
)

// Agent -> server events.
const (
	TypeAgentReady   Type = "agent_ready"
	TypeStatusUpdate Type = "status_update"
	TypeClaimTask    Type = "claim_task"
	TypeToolRequest  Type = "tool_request"
)

// Bidirectional.
const (
	TypeHeartbeat Type = "heartbeat"
)

// Wake-up reasons.
const (
	WakeReasonScheduled = "scheduled"
	WakeReasonManual    = "manual"
	WakeReasonRetry     = "retry"
)

// Envelope is the frame exchanged on the realtime channel.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// New builds an envelope for the given type, marshaling the payload and
// stamping the current time.
func New(eventType Type, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return Envelope{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodePayload unmarshals an envelope's payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return payload, nil
}

// ConnectedPayload acknowledges a successful connection handshake.
type ConnectedPayload struct {
	Message    string `json:"message"`
	AgentID    string `json:"agentId"`
	ServerTime string `json:"serverTime"`
}

// HeartbeatPayload is the keep-alive ping/pong. Agents may attach a
// status hint to a ping; the gateway forwards it to the presence
// registry on renewal.
type HeartbeatPayload struct {
	Ping       bool   `json:"ping,omitempty"`
	Pong       bool   `json:"pong,omitempty"`
	Status     string `json:"status,omitempty"`
	ServerTime string `json:"serverTime,omitempty"`
}

// AgentReadyPayload signals the agent is ready to receive events.
type AgentReadyPayload struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// StatusUpdatePayload reports an agent's working state.
type StatusUpdatePayload struct {
	Status  string `json:"status"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message,omitempty"`
}

// TaskAvailablePayload announces a newly created task to its audience.
type TaskAvailablePayload struct {
	TaskID      string `json:"taskId"`
	ProjectID   string `json:"projectId"`
	GroupID     string `json:"groupId"`
	ExternalRef string `json:"externalRef"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
}

// TaskClaimedPayload tells the rest of the audience a task was taken.
type TaskClaimedPayload struct {
	TaskID    string `json:"taskId"`
	ClaimedBy string `json:"claimedByAgentId"`
	ClaimedAt string `json:"claimedAt"`
}

// ClaimTaskPayload is an agent's claim request over the realtime channel.
type ClaimTaskPayload struct {
	TaskID string `json:"taskId"`
}

// ClaimResultPayload answers a claim request.
type ClaimResultPayload struct {
	TaskID    string `json:"taskId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ClaimedAt string `json:"claimedAt,omitempty"`
}

// ContextUpdatePayload carries new conversation context for a task.
type ContextUpdatePayload struct {
	TaskID  string `json:"taskId"`
	Author  string `json:"author"`
	Content string `json:"content"`
	IsHuman bool   `json:"isHuman"`
}

// WakeUpPayload is a generic agent wake signal.
type WakeUpPayload struct {
	Reason string `json:"reason"`
	TaskID string `json:"taskId,omitempty"`
}

// ToolRequestPayload is an agent's request for tool execution.
type ToolRequestPayload struct {
	RequestID string                 `json:"requestId"`
	Tool      string                 `json:"tool"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// ToolResultPayload answers a tool request.
type ToolResultPayload struct {
	RequestID string      `json:"requestId"`
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}
