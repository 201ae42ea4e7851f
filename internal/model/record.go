// Package model defines the core data types shared across the engine.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScrapeStatus represents the lifecycle state of a company record.
type ScrapeStatus string

const (
	ScrapePending ScrapeStatus = "pending"
	ScrapeRunning ScrapeStatus = "running"
	ScrapeSuccess ScrapeStatus = "success"
	ScrapePartial ScrapeStatus = "partial"
	ScrapeFailed  ScrapeStatus = "failed"
)

// Terminal returns true once the record can no longer change state.
func (s ScrapeStatus) Terminal() bool {
	switch s {
	case ScrapeSuccess, ScrapePartial, ScrapeFailed:
		return true
	}
	return false
}

// CompanyRecord is the canonical output of a research job.
// Every field beyond identity is optional; the aggregator fills what the
// site supports and leaves the rest zero.
type CompanyRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Website string `json:"website"`

	Industry      string `json:"industry,omitempty"`
	BusinessModel string `json:"business_model,omitempty"`
	TargetMarket  string `json:"target_market,omitempty"`
	CompanyStage  string `json:"company_stage,omitempty"`
	CompanySize   string `json:"company_size,omitempty"`

	Description      string `json:"description,omitempty"`
	ValueProposition string `json:"value_proposition,omitempty"`
	CompanyCulture   string `json:"company_culture,omitempty"`

	KeyServices           []string `json:"key_services,omitempty"`
	CompetitiveAdvantages []string `json:"competitive_advantages,omitempty"`
	TechStack             []string `json:"tech_stack,omitempty"`
	Certifications        []string `json:"certifications,omitempty"`
	Partnerships          []string `json:"partnerships,omitempty"`
	Awards                []string `json:"awards,omitempty"`
	LeadershipTeam        []string `json:"leadership_team,omitempty"`
	RecentNews            []string `json:"recent_news,omitempty"`

	SocialMedia       map[string]string `json:"social_media,omitempty"`
	ContactInfo       map[string]string `json:"contact_info,omitempty"`
	KeyDecisionMakers map[string]string `json:"key_decision_makers,omitempty"`

	FoundingYear   *int `json:"founding_year,omitempty"`
	HasChatWidget  bool `json:"has_chat_widget"`
	HasForms       bool `json:"has_forms"`
	HasJobListings bool `json:"has_job_listings"`
	IsSaaS         bool `json:"is_saas"`

	SaaSClassification          string  `json:"saas_classification,omitempty"`
	ClassificationConfidence    float64 `json:"classification_confidence"`
	ClassificationJustification string  `json:"classification_justification,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	PagesCrawled  []string `json:"pages_crawled,omitempty"`
	CrawlDepth    int      `json:"crawl_depth"`
	CrawlDuration float64  `json:"crawl_duration"`

	ScrapeStatus ScrapeStatus `json:"scrape_status"`
	ScrapeError  string       `json:"scrape_error,omitempty"`

	TotalTokens int     `json:"total_tokens,omitempty"`
	TotalCost   float64 `json:"total_cost,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewCompanyRecord creates a pending record with a fresh id.
func NewCompanyRecord(name, website string) *CompanyRecord {
	now := time.Now().UTC()
	return &CompanyRecord{
		ID:           uuid.NewString(),
		Name:         name,
		Website:      website,
		ScrapeStatus: ScrapePending,
		CreatedAt:    now,
		LastUpdated:  now,
	}
}

// Touch bumps LastUpdated, keeping it >= CreatedAt.
func (r *CompanyRecord) Touch() {
	now := time.Now().UTC()
	if now.Before(r.CreatedAt) {
		now = r.CreatedAt
	}
	r.LastUpdated = now
}

// EmbeddingText assembles the canonical text the embedder encodes,
// clipped to maxChars.
func (r *CompanyRecord) EmbeddingText(maxChars int) string {
	parts := make([]string, 0, 4)
	if r.Name != "" {
		parts = append(parts, r.Name)
	}
	if r.Description != "" {
		parts = append(parts, r.Description)
	}
	if len(r.KeyServices) > 0 {
		parts = append(parts, strings.Join(r.KeyServices, ", "))
	}
	if r.ValueProposition != "" {
		parts = append(parts, r.ValueProposition)
	}
	text := strings.Join(parts, "\n")
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

// Metadata returns the filterable subset persisted alongside the vector.
func (r *CompanyRecord) Metadata() map[string]any {
	return map[string]any{
		"company_name":        r.Name,
		"website":             r.Website,
		"industry":            r.Industry,
		"business_model":      r.BusinessModel,
		"company_stage":       r.CompanyStage,
		"company_size":        r.CompanySize,
		"is_saas":             r.IsSaaS,
		"saas_classification": r.SaaSClassification,
	}
}

// NormalizeWebsite canonicalizes a website for cache keys and identity
// hashing: lowercase, scheme and trailing slash stripped, www. removed.
func NormalizeWebsite(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, "/")
}
