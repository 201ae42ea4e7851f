package llmpool

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Schema describes the JSON structure a task's output must conform to.
// Parse receives the cleaned JSON text and returns the typed value or a
// descriptive error that is fed back to the model on a re-prompt.
type Schema struct {
	Name  string
	Parse func(raw []byte) (any, error)
}

// ParseInto builds a Schema.Parse func that unmarshals into T and then
// runs the optional validate hook.
func ParseInto[T any](validate func(*T) error) func([]byte) (any, error) {
	return func(raw []byte) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, eris.Wrap(err, "llmpool: unmarshal")
		}
		if validate != nil {
			if err := validate(&v); err != nil {
				return nil, err
			}
		}
		return &v, nil
	}
}

// CleanJSON strips markdown fences and surrounding prose from a model
// reply, keeping the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
