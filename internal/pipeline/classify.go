package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
)

// classification is the schema of the classifier task's output.
type classification struct {
	Label         string  `json:"label"`
	IsSaaS        bool    `json:"is_saas"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// classifySchema rejects labels outside the taxonomy; the pool's schema
// re-prompts give the model its bounded retries, after which the phase
// goes partial and the record is stored unclassified.
func classifySchema(taxonomy *model.Taxonomy) *llmpool.Schema {
	return &llmpool.Schema{
		Name: "classification",
		Parse: llmpool.ParseInto[classification](func(c *classification) error {
			canonical, ok := taxonomy.Canonical(c.Label)
			if !ok {
				return eris.Errorf("label %q is not in the taxonomy", c.Label)
			}
			c.Label = canonical
			return nil
		}),
	}
}

// classify fills the record's SaaS classification via one task.
func (e *Engine) classify(ctx context.Context, rs *runState) error {
	fut := e.pool.Submit(llmpool.Task{
		ID:      rs.jobID + "-classify",
		JobID:   rs.jobID,
		Kind:    "classification",
		Timeout: time.Duration(e.cfg.LLM.ClassifyTimeoutSecs) * time.Second,
		Schema:  classifySchema(e.taxonomy),
		Request: e.messageRequest(classifySystemText,
			buildClassifyPrompt(rs.rec, e.taxonomy.Labels()), 1024),
	})

	res, err := fut.Wait(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: classify")
	}
	rs.addUsage(res)

	out := res.Parsed.(*classification)
	rs.rec.SaaSClassification = out.Label
	rs.rec.IsSaaS = out.IsSaaS
	rs.rec.ClassificationConfidence = clamp01(out.Confidence)
	rs.rec.ClassificationJustification = out.Justification
	return nil
}
