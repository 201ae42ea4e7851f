package model

import "time"

// Phase identifies a stage of the research pipeline.
type Phase string

const (
	PhaseDiscovery      Phase = "link_discovery"
	PhaseSelection      Phase = "page_selection"
	PhaseExtraction     Phase = "content_extraction"
	PhaseAggregation    Phase = "aggregation"
	PhaseClassification Phase = "classification"
	PhaseEmbedding      Phase = "embedding"
	PhaseStore          Phase = "store"

	// PhaseBatch carries aggregate progress for batch coordinator jobs.
	PhaseBatch Phase = "batch"

	// PhaseJob is the pseudo-phase used for job-level terminal events.
	PhaseJob Phase = "job"
)

// BatchPhases returns the phase list for a batch coordinator job.
func BatchPhases() []Phase {
	return []Phase{PhaseBatch}
}

// ResearchPhases returns the pipeline phases in execution order.
func ResearchPhases() []Phase {
	return []Phase{
		PhaseDiscovery,
		PhaseSelection,
		PhaseExtraction,
		PhaseAggregation,
		PhaseClassification,
		PhaseEmbedding,
		PhaseStore,
	}
}

// PhaseState represents the state of a phase (or, on the job pseudo-phase,
// the terminal outcome of the whole job).
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseRunning   PhaseState = "running"
	PhaseCompleted PhaseState = "completed"
	PhasePartial   PhaseState = "partial"
	PhaseFailed    PhaseState = "failed"
	PhaseCancelled PhaseState = "cancelled"
)

// ProgressEvent is one entry of a job's progress stream.
type ProgressEvent struct {
	JobID      string         `json:"job_id"`
	Seq        int64          `json:"seq"`
	Phase      Phase          `json:"phase"`
	State      PhaseState     `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Counters   map[string]int `json:"counters,omitempty"`
	Message    string         `json:"message,omitempty"`
	// Dropped counts events lost to a slow subscriber immediately before
	// this one. Zero on the publisher side; set only on loss markers.
	Dropped int `json:"dropped,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e ProgressEvent) Terminal() bool {
	if e.Phase != PhaseJob {
		return false
	}
	switch e.State {
	case PhaseCompleted, PhasePartial, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Job is the transient per-research entity tracked by the progress bus.
// It is owned by the orchestrator for the life of the call and never
// persisted beyond completion.
type Job struct {
	ID           string                  `json:"id"`
	CompanyName  string                  `json:"company_name"`
	Website      string                  `json:"website,omitempty"`
	RecordID     string                  `json:"record_id,omitempty"`
	CurrentPhase Phase                   `json:"current_phase"`
	Phases       map[Phase]PhaseState    `json:"phases"`
	Timings      map[Phase]time.Duration `json:"timings,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
	Outcome      PhaseState              `json:"outcome,omitempty"`
	Error        string                  `json:"error,omitempty"`
}
