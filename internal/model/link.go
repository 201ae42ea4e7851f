package model

// LinkCategory is the coarse, advisory tag the discoverer assigns to a
// URL from path heuristics. The page selector need not trust it.
type LinkCategory string

const (
	CategoryAbout    LinkCategory = "about"
	CategoryContact  LinkCategory = "contact"
	CategoryTeam     LinkCategory = "team"
	CategoryProducts LinkCategory = "products"
	CategoryCareers  LinkCategory = "careers"
	CategoryNews     LinkCategory = "news"
	CategoryOther    LinkCategory = "other"
)

// Link is one discovered URL.
type Link struct {
	URL      string       `json:"url"`
	Category LinkCategory `json:"category"`
	Depth    int          `json:"depth"`
}

// PageContent is the cleaned text of one successfully extracted page.
type PageContent struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	ByteCount int    `json:"byte_count"`
	FetchMS   int64  `json:"fetch_ms"`
	// Source records which extractor produced the content ("jina" or
	// "firecrawl").
	Source string `json:"source,omitempty"`
}

// ExtractStats counts per-page outcomes of the extraction phase.
type ExtractStats struct {
	Requested int `json:"requested"`
	Fetched   int `json:"fetched"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// ReaderTokens sums the reader-reported token usage across fetched
	// pages, for cost accounting.
	ReaderTokens int `json:"reader_tokens,omitempty"`
	// FallbackPages counts pages that came back through the firecrawl
	// fallback, one credit each.
	FallbackPages int `json:"fallback_pages,omitempty"`
}
