// ABOUTME: Keyword mapping from provider status names to internal task statuses
// ABOUTME: Rules are ordered and the first match wins; multi-matches are reported

package tasks

import (
	"strings"

	"github.com/itamar-marom/oblivion/internal/store"
)

// statusRule maps provider status substrings to an internal status.
type statusRule struct {
	keywords []string
	status   store.TaskStatus
}

// statusRules is evaluated in order and the first matching rule wins.
// Completion keywords come first so a provider status like "review
// done" resolves to DONE rather than IN_PROGRESS.
var statusRules = []statusRule{
	{keywords: []string{"done", "complete", "closed"}, status: store.StatusDone},
	{keywords: []string{"block", "waiting", "hold"}, status: store.StatusBlockedOnHuman},
	{keywords: []string{"progress", "review", "working"}, status: store.StatusInProgress},
	{keywords: []string{"todo", "open", "new"}, status: store.StatusTodo},
}

// mapExternalStatus resolves a raw provider status name. ambiguous is
// true when more than one rule matched; the first rule still wins, the
// caller decides whether to log it.
func mapExternalStatus(raw string) (status store.TaskStatus, ok bool, ambiguous bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	matches := 0
	for _, rule := range statusRules {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				if matches == 0 {
					status = rule.status
					ok = true
				}
				matches++
				break
			}
		}
	}
	return status, ok, matches > 1
}
