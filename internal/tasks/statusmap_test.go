// ABOUTME: Table tests for the provider status keyword mapping
// ABOUTME: Verifies rule ordering, normalization, and ambiguity detection

package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itamar-marom/oblivion/internal/store"
)

func TestMapExternalStatus(t *testing.T) {
	tests := []struct {
		raw       string
		want      store.TaskStatus
		ok        bool
		ambiguous bool
	}{
		{"Done", store.StatusDone, true, false},
		{"COMPLETE", store.StatusDone, true, false},
		{"Closed", store.StatusDone, true, false},
		{"In Progress", store.StatusInProgress, true, false},
		{"in review", store.StatusInProgress, true, false},
		{"Working on it", store.StatusInProgress, true, false},
		{"Blocked", store.StatusBlockedOnHuman, true, false},
		{"Waiting for input", store.StatusBlockedOnHuman, true, false},
		{"On Hold", store.StatusBlockedOnHuman, true, false},
		{"To Do", store.StatusTodo, true, false},
		{"Open", store.StatusTodo, true, false},
		{"new", store.StatusTodo, true, false},
		{"  done  ", store.StatusDone, true, false},
		{"Triaging", "", false, false},
		{"", "", false, false},
		// "review done" matches both DONE and IN_PROGRESS; completion
		// rules come first so DONE wins.
		{"review done", store.StatusDone, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok, ambiguous := mapExternalStatus(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, tt.ambiguous, ambiguous)
		})
	}
}
