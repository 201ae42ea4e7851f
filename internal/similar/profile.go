package similar

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/intel-engine/internal/model"
)

var foldCaser = cases.Fold()

// Profile is the comparable slice of a company used by the factor
// scorer. Missing fields score neutrally and lower the confidence.
type Profile struct {
	Name          string
	Website       string
	BusinessModel string
	Industry      string
	CompanySize   string
	CompanyStage  string
	TargetMarket  string
	TechStack     []string
}

// ProfileFromRecord builds a profile from a full company record.
func ProfileFromRecord(rec *model.CompanyRecord) Profile {
	if rec == nil {
		return Profile{}
	}
	return Profile{
		Name:          rec.Name,
		Website:       rec.Website,
		BusinessModel: rec.BusinessModel,
		Industry:      rec.Industry,
		CompanySize:   rec.CompanySize,
		CompanyStage:  rec.CompanyStage,
		TargetMarket:  rec.TargetMarket,
		TechStack:     rec.TechStack,
	}
}

// profileFromMetadata builds a profile from vector store metadata. Tech
// stack and target market are not part of the filterable metadata, so
// those factors score neutrally for metadata-only candidates.
func profileFromMetadata(meta map[string]any) Profile {
	get := func(key string) string {
		if v, ok := meta[key].(string); ok {
			return v
		}
		return ""
	}
	return Profile{
		Name:          get("company_name"),
		Website:       get("website"),
		BusinessModel: get("business_model"),
		Industry:      get("industry"),
		CompanySize:   get("company_size"),
		CompanyStage:  get("company_stage"),
	}
}

// completeness is the fraction of scoring fields present.
func (p Profile) completeness() float64 {
	fields := []string{p.BusinessModel, p.Industry, p.CompanySize, p.CompanyStage, p.TargetMarket}
	present := 0
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			present++
		}
	}
	if len(p.TechStack) > 0 {
		present++
	}
	return float64(present) / float64(len(fields)+1)
}

// key returns the canonical identity hash input: normalized website
// plus case-folded name.
func (p Profile) key() string {
	return model.NormalizeWebsite(p.Website) + "|" + foldCaser.String(strings.TrimSpace(p.Name))
}
