package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator holds a compiled JSON Schema for structured model output.
type Validator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
	maxRepairs int
}

// NewValidator compiles schemaJSON. maxRepairs bounds how many repair
// rounds GenerateStructured may attempt; zero means the default of 2.
func NewValidator(schemaJSON json.RawMessage, maxRepairs int) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if maxRepairs == 0 {
		maxRepairs = 2
	}
	return &Validator{schema: schema, schemaJSON: schemaJSON, maxRepairs: maxRepairs}, nil
}

// SchemaJSON returns the raw schema for prompt injection.
func (v *Validator) SchemaJSON() json.RawMessage { return v.schemaJSON }

// MaxRepairs returns the configured repair bound.
func (v *Validator) MaxRepairs() int { return v.maxRepairs }

// Check extracts JSON from model text and validates it against the schema,
// returning the extracted document on success.
func (v *Validator) Check(responseText string) (json.RawMessage, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, fmt.Errorf("response contains no JSON")
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	return json.RawMessage(jsonStr), nil
}

// extractJSON finds a JSON object or array in model text: a ```json fence
// first, then a generic fence, then the first balanced raw structure.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced JSON structure at the start of s,
// respecting string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var closing byte
	switch open {
	case '{':
		closing = '}'
	case '[':
		closing = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == closing {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
