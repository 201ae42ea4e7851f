package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
)

// embed encodes the record's canonical embedding text. The gemini
// client carries its own token bucket and retry loop; quota here is
// independent of the LLM pool's.
func (e *Engine) embed(ctx context.Context, rs *runState) error {
	maxChars := e.cfg.Embedding.MaxInputChars
	if maxChars <= 0 {
		maxChars = 8000
	}

	text := rs.rec.EmbeddingText(maxChars)
	if text == "" {
		return eris.New("pipeline: record has no text to embed")
	}

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return eris.Wrap(err, "pipeline: embed")
	}
	rs.rec.Embedding = vec
	rs.embedChars = len(text)
	return nil
}
