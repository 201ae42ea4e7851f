package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/intel-engine/internal/model"
)

const selectionSystemText = "You are a research analyst choosing which pages of a company website to read. Return a valid JSON object and nothing else."

const selectionPromptTmpl = `Company: %s
Website: %s

Below is every URL discovered on the company's website, one per line as
"category url". Select the %d to %d pages most likely to reveal business
intelligence about the company. Prioritize, in order: company overview and
homepage, about/history, team/leadership, products/services, careers (a
company-size signal), contact/locations, news/press. Skip legal pages,
pagination, and duplicate-looking URLs.

%s

Reply with ONLY this JSON:
{"selected": ["url", ...], "reasons": {"url": "one short reason", ...}}
Every selected url must be copied verbatim from the list above.`

// buildSelectionPrompt renders the page-selection prompt for a
// discovered link list.
func buildSelectionPrompt(name, website string, links []model.Link, minPages, maxPages int) string {
	var b strings.Builder
	for _, l := range links {
		fmt.Fprintf(&b, "%s %s\n", l.Category, l.URL)
	}
	return fmt.Sprintf(selectionPromptTmpl, name, website, minPages, maxPages, strings.TrimRight(b.String(), "\n"))
}

const aggregateSystemText = "You are a senior research analyst synthesizing a structured company profile from website content. Return valid JSON matching the requested schema. Use null or omit fields the content does not support; never invent data."

const aggregatePromptHeader = `Build a structured profile of the company below from the page contents
that follow. Prefer longer, more descriptive text for narrative fields,
deduplicated unions for list fields, and the most specific value for
categorical fields.

Company: %s
Website: %s

Reply with ONLY a JSON object using these fields (all optional):
{
  "industry": "primary industry",
  "business_model": "e.g. B2B SaaS, marketplace, services",
  "target_market": "who they sell to",
  "company_stage": "startup | growth | mature | enterprise",
  "company_size": "e.g. 1-10, 11-50, 51-200, 201-1000, 1000+",
  "description": "2-4 sentence company description",
  "value_proposition": "core value proposition",
  "company_culture": "culture notes if evident",
  "key_services": ["..."],
  "competitive_advantages": ["..."],
  "tech_stack": ["..."],
  "certifications": ["..."],
  "partnerships": ["..."],
  "awards": ["..."],
  "leadership_team": ["Name - Title"],
  "recent_news": ["..."],
  "social_media": {"platform": "url"},
  "contact_info": {"kind": "value"},
  "key_decision_makers": {"Name": "Title"},
  "founding_year": 1999,
  "has_chat_widget": false,
  "has_forms": false,
  "has_job_listings": false
}`

// buildAggregatePrompt renders the aggregation prompt, clipping each
// page to perPageChars and keeping at most maxPages pages.
func buildAggregatePrompt(name, website string, pages []model.PageContent, perPageChars, maxPages int) string {
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	var b strings.Builder
	fmt.Fprintf(&b, aggregatePromptHeader, name, website)
	for _, p := range pages {
		fmt.Fprintf(&b, "\n\n--- Page: %s ---\n%s", p.URL, clip(p.Text, perPageChars))
	}
	return b.String()
}

const classifySystemText = "You are a business classification analyst. Return a valid JSON object and nothing else."

const classifyPromptTmpl = `Classify the company below into exactly one label from this taxonomy:

%s

Company: %s
Website: %s
Industry: %s
Business model: %s
Description: %s
Key services: %s

Reply with ONLY this JSON:
{"label": "<one taxonomy label, verbatim>", "is_saas": true|false, "confidence": 0.0-1.0, "justification": "one or two sentences"}`

// buildClassifyPrompt renders the classification prompt from the
// aggregated record.
func buildClassifyPrompt(rec *model.CompanyRecord, labels []string) string {
	return fmt.Sprintf(classifyPromptTmpl,
		strings.Join(labels, "\n"),
		rec.Name,
		rec.Website,
		rec.Industry,
		rec.BusinessModel,
		clip(rec.Description, 1500),
		strings.Join(rec.KeyServices, ", "),
	)
}
