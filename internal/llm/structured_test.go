package llm_test

import (
	"encoding/json"
	"testing"

	"github.com/basket/concierge/internal/llm"
)

const planSchema = `{
	"type": "object",
	"required": ["response_text", "tool_calls"],
	"properties": {
		"response_text": {"type": "string"},
		"tool_calls": {"type": "array"}
	}
}`

func newPlanValidator(t *testing.T) *llm.Validator {
	t.Helper()
	v, err := llm.NewValidator(json.RawMessage(planSchema), 0)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestValidatorAcceptsRawJSON(t *testing.T) {
	v := newPlanValidator(t)

	doc, err := v.Check(`{"response_text": "hi", "tool_calls": []}`)
	if err != nil {
		t.Fatalf("check raw JSON: %v", err)
	}
	var plan struct {
		ResponseText string `json:"response_text"`
	}
	if err := json.Unmarshal(doc, &plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.ResponseText != "hi" {
		t.Fatalf("unexpected response_text %q", plan.ResponseText)
	}
}

func TestValidatorExtractsFencedJSON(t *testing.T) {
	v := newPlanValidator(t)

	text := "Sure, here you go:\n```json\n{\"response_text\": \"ok\", \"tool_calls\": []}\n```\nAnything else?"
	if _, err := v.Check(text); err != nil {
		t.Fatalf("check fenced JSON: %v", err)
	}
}

func TestValidatorExtractsEmbeddedObject(t *testing.T) {
	v := newPlanValidator(t)

	text := `The plan is {"response_text": "ok", "tool_calls": [{"name": "x"}]} as requested.`
	if _, err := v.Check(text); err != nil {
		t.Fatalf("check embedded JSON: %v", err)
	}
}

func TestValidatorRejectsMissingFields(t *testing.T) {
	v := newPlanValidator(t)

	if _, err := v.Check(`{"response_text": "hi"}`); err == nil {
		t.Fatalf("expected schema violation for missing tool_calls")
	}
}

func TestValidatorRejectsProseWithoutJSON(t *testing.T) {
	v := newPlanValidator(t)

	if _, err := v.Check("I cannot produce that."); err == nil {
		t.Fatalf("expected error for prose response")
	}
}

func TestValidatorHandlesBracesInsideStrings(t *testing.T) {
	v := newPlanValidator(t)

	text := `{"response_text": "use {curly} braces \" safely", "tool_calls": []}`
	if _, err := v.Check(text); err != nil {
		t.Fatalf("check braces in string: %v", err)
	}
}

func TestValidatorRejectsInvalidSchema(t *testing.T) {
	if _, err := llm.NewValidator(json.RawMessage(`{"type": 12}`), 0); err == nil {
		t.Fatalf("expected compile error for invalid schema")
	}
}
