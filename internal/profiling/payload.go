package profiling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskPayload is the run_profiling_analysis task payload. History is the
// rendered transcript leading up to Message, so the reconciler sees the
// whole exchange, not just the last line.
type TaskPayload struct {
	TenantID  string `json:"tenant_id"`
	EndUserID string `json:"end_user_id"`
	Summary   string `json:"summary"`
	Message   string `json:"message"`
	History   string `json:"history,omitempty"`
}

// Validate rejects payloads that cannot be profiled.
func (p *TaskPayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("profiling payload missing tenant_id")
	}
	if strings.TrimSpace(p.EndUserID) == "" {
		return fmt.Errorf("profiling payload missing end_user_id")
	}
	if strings.TrimSpace(p.Summary) == "" && strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("profiling payload has no text to analyze")
	}
	return nil
}

// Marshal renders the payload for the task queue.
func (p *TaskPayload) Marshal() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal profiling payload: %w", err)
	}
	return string(raw), nil
}
