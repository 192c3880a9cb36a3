package orchestrator

import (
	"encoding/json"
	"fmt"
)

// Tool names the model may request in an ActionPlan. The set is closed;
// anything else fails schema validation.
const (
	ToolQueueForProfiling        = "queue_for_profiling"
	ToolRequestHumanIntervention = "request_human_intervention"
	ToolLookupProductInfo        = "lookup_product_info"
)

// ActionPlan is the model's structured decision for one turn.
type ActionPlan struct {
	ResponseText string     `json:"response_text"`
	ToolCalls    []ToolCall `json:"tool_calls"`
}

// ToolCall is one requested side effect.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// actionPlanSchema constrains structured generation. response_text may be
// empty (a deliberate silent turn) but must be present.
const actionPlanSchema = `{
	"type": "object",
	"required": ["response_text", "tool_calls"],
	"additionalProperties": false,
	"properties": {
		"response_text": {"type": "string"},
		"tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"additionalProperties": false,
				"properties": {
					"name": {
						"type": "string",
						"enum": ["queue_for_profiling", "request_human_intervention", "lookup_product_info"]
					},
					"arguments": {"type": "object"}
				}
			}
		}
	}
}`

func decodeActionPlan(doc json.RawMessage) (*ActionPlan, error) {
	var plan ActionPlan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("decode action plan: %w", err)
	}
	return &plan, nil
}
