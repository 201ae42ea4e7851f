package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
)

// aggregateOutput mirrors the optional CompanyRecord fields the
// aggregation task may fill. Everything is optional; the validator
// accepts partial records.
type aggregateOutput struct {
	Industry         string `json:"industry"`
	BusinessModel    string `json:"business_model"`
	TargetMarket     string `json:"target_market"`
	CompanyStage     string `json:"company_stage"`
	CompanySize      string `json:"company_size"`
	Description      string `json:"description"`
	ValueProposition string `json:"value_proposition"`
	CompanyCulture   string `json:"company_culture"`

	KeyServices           []string `json:"key_services"`
	CompetitiveAdvantages []string `json:"competitive_advantages"`
	TechStack             []string `json:"tech_stack"`
	Certifications        []string `json:"certifications"`
	Partnerships          []string `json:"partnerships"`
	Awards                []string `json:"awards"`
	LeadershipTeam        []string `json:"leadership_team"`
	RecentNews            []string `json:"recent_news"`

	SocialMedia       map[string]string `json:"social_media"`
	ContactInfo       map[string]string `json:"contact_info"`
	KeyDecisionMakers map[string]string `json:"key_decision_makers"`

	FoundingYear   *int `json:"founding_year"`
	HasChatWidget  bool `json:"has_chat_widget"`
	HasForms       bool `json:"has_forms"`
	HasJobListings bool `json:"has_job_listings"`
}

var aggregateSchema = &llmpool.Schema{
	Name:  "company_record",
	Parse: llmpool.ParseInto[aggregateOutput](nil),
}

// aggregate synthesizes the company record from the extracted pages via
// one large-context task. Failure here is fatal for the job: a record
// with no structured output is not worth storing. With zero pages the
// task still runs on identity alone, which is the difference between a
// partial record and a dead job for unreachable sites.
func (e *Engine) aggregate(ctx context.Context, rs *runState) error {
	perPage := e.cfg.Research.AggregatePageChars
	if perPage <= 0 {
		perPage = 5000
	}
	maxPages := e.cfg.Research.AggregateMaxPages
	if maxPages <= 0 {
		maxPages = 30
	}

	fut := e.pool.Submit(llmpool.Task{
		ID:      rs.jobID + "-aggregate",
		JobID:   rs.jobID,
		Kind:    "aggregation",
		Timeout: time.Duration(e.cfg.LLM.AggregateTimeoutSecs) * time.Second,
		Schema:  aggregateSchema,
		Request: e.modelRequest(e.contextModel(), aggregateSystemText,
			buildAggregatePrompt(rs.rec.Name, rs.rec.Website, rs.pages, perPage, maxPages), 0),
	})

	res, err := fut.Wait(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: aggregate")
	}
	rs.addUsage(res)

	listCap := e.cfg.Research.ListCap
	if listCap <= 0 {
		listCap = 15
	}
	applyAggregate(rs.rec, res.Parsed.(*aggregateOutput), listCap)
	return nil
}

// applyAggregate copies the task output onto the record, deduplicating
// and capping list fields. No other merging happens engine-side.
func applyAggregate(rec *model.CompanyRecord, out *aggregateOutput, listCap int) {
	rec.Industry = strings.TrimSpace(out.Industry)
	rec.BusinessModel = strings.TrimSpace(out.BusinessModel)
	rec.TargetMarket = strings.TrimSpace(out.TargetMarket)
	rec.CompanyStage = strings.TrimSpace(out.CompanyStage)
	rec.CompanySize = strings.TrimSpace(out.CompanySize)
	rec.Description = strings.TrimSpace(out.Description)
	rec.ValueProposition = strings.TrimSpace(out.ValueProposition)
	rec.CompanyCulture = strings.TrimSpace(out.CompanyCulture)

	rec.KeyServices = dedupeFold(out.KeyServices, listCap)
	rec.CompetitiveAdvantages = dedupeFold(out.CompetitiveAdvantages, listCap)
	rec.TechStack = dedupeFold(out.TechStack, listCap)
	rec.Certifications = dedupeFold(out.Certifications, listCap)
	rec.Partnerships = dedupeFold(out.Partnerships, listCap)
	rec.Awards = dedupeFold(out.Awards, listCap)
	rec.LeadershipTeam = dedupeFold(out.LeadershipTeam, listCap)
	rec.RecentNews = dedupeFold(out.RecentNews, listCap)

	rec.SocialMedia = capMap(out.SocialMedia, listCap)
	rec.ContactInfo = capMap(out.ContactInfo, listCap)
	rec.KeyDecisionMakers = capMap(out.KeyDecisionMakers, listCap)

	rec.FoundingYear = out.FoundingYear
	rec.HasChatWidget = out.HasChatWidget
	rec.HasForms = out.HasForms
	rec.HasJobListings = out.HasJobListings
}

var foldCaser = cases.Fold()

// capMap drops blank entries and bounds a map at max entries, keeping
// the lexically smallest keys so the survivors are deterministic.
func capMap(m map[string]string, max int) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	if max <= 0 || len(out) <= max {
		return out
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[max:] {
		delete(out, k)
	}
	return out
}

// dedupeFold removes case-insensitive duplicates, preserving first
// occurrence and its spelling, capped at max entries.
func dedupeFold(items []string, max int) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		key := foldCaser.String(it)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
