package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError describes model output that failed to parse or validate.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// validator decodes model output into a typed value after schema checks.
type validator struct {
	name   string
	schema *jsonschema.Schema
}

func mustCompile(name, schemaJSON string) *validator {
	v, err := compileSchema(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

func compileSchema(name, schemaJSON string) (*validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &validator{name: name, schema: schema}, nil
}

// decode extracts the JSON object from text, validates it and unmarshals it
// into out.
func (v *validator) decode(text string, out any) error {
	raw := extractJSON(text)
	if raw == "" {
		return &ValidationError{Message: v.name + ": response does not contain valid JSON", Raw: text}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("%s: invalid JSON: %s", v.name, err), Raw: text}
	}
	if err := v.schema.Validate(doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("%s: schema validation failed: %s", v.name, err), Raw: text}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &ValidationError{Message: fmt.Sprintf("%s: decode: %s", v.name, err), Raw: text}
	}
	return nil
}

// extractJSON finds a JSON object or array in the response text. Fenced
// blocks win over bare JSON.
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
// skipping brackets inside strings.
func extractBalanced(s string) string {
	if s == "" {
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
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
