// ABOUTME: Tests for event envelope construction and payload round-trips
// ABOUTME: Verifies camelCase wire fields and omitempty behavior on optional fields

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StampsTimestamp(t *testing.T) {
	env, err := New(TypeHeartbeat, HeartbeatPayload{Pong: true, ServerTime: "2025-06-01T12:00:00Z"})
	require.NoError(t, err)

	assert.Equal(t, TypeHeartbeat, env.Type)
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestEnvelope_WireFormat(t *testing.T) {
	env, err := New(TypeTaskClaimed, TaskClaimedPayload{
		TaskID:    "task-1",
		ClaimedBy: "agent-1",
		ClaimedAt: "2025-06-01T12:00:00Z",
	})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "type")
	assert.Contains(t, raw, "payload")
	assert.Contains(t, raw, "timestamp")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw["payload"], &payload))
	assert.Equal(t, "agent-1", payload["claimedByAgentId"])
	assert.Equal(t, "task-1", payload["taskId"])
}

func TestDecodePayload(t *testing.T) {
	env, err := New(TypeClaimTask, ClaimTaskPayload{TaskID: "task-9"})
	require.NoError(t, err)

	payload, err := DecodePayload[ClaimTaskPayload](env)
	require.NoError(t, err)
	assert.Equal(t, "task-9", payload.TaskID)
}

func TestDecodePayload_Malformed(t *testing.T) {
	env := Envelope{Type: TypeClaimTask, Payload: json.RawMessage(`{"taskId":`)}

	_, err := DecodePayload[ClaimTaskPayload](env)
	assert.Error(t, err)
}

func TestOptionalFieldsOmitted(t *testing.T) {
	env, err := New(TypeClaimResult, ClaimResultPayload{TaskID: "task-1", Success: true, ClaimedAt: "now"})
	require.NoError(t, err)

	assert.NotContains(t, string(env.Payload), "error")

	env, err = New(TypeWakeUp, WakeUpPayload{Reason: WakeReasonManual})
	require.NoError(t, err)
	assert.NotContains(t, string(env.Payload), "taskId")
}
