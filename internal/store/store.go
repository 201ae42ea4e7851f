// Package store persists research runs, crawl caches, and the dead
// letter queue behind a driver-neutral interface.
package store

import (
	"context"
	"time"

	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/resilience"
)

// Run is a persisted research job outcome.
type Run struct {
	ID          string               `json:"id"`
	CompanyName string               `json:"company_name"`
	Website     string               `json:"website,omitempty"`
	Outcome     model.PhaseState     `json:"outcome"`
	Record      *model.CompanyRecord `json:"record,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Outcome model.PhaseState `json:"outcome,omitempty"`
	Website string           `json:"website,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Offset  int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the research engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, job model.Job) (*Run, error)
	FinishRun(ctx context.Context, runID string, outcome model.PhaseState, rec *model.CompanyRecord, runErr string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Crawl cache keyed by normalized website
	GetCachedLinks(ctx context.Context, website string) ([]model.Link, error)
	SetCachedLinks(ctx context.Context, website string, links []model.Link, ttl time.Duration) error
	DeleteExpiredLinks(ctx context.Context) (int, error)

	// Batch resume cache: completed records reused within the TTL
	GetResume(ctx context.Context, website string) (*model.CompanyRecord, error)
	SetResume(ctx context.Context, website string, rec *model.CompanyRecord, ttl time.Duration) error

	// Dead letter queue
	AddDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	DeleteDLQ(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
