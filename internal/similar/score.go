package similar

import (
	"math"
	"strings"
)

// defaultWeights mirror the default similarity.weights config block.
var defaultWeights = map[string]float64{
	"business_model": 0.25,
	"industry":       0.20,
	"company_size":   0.15,
	"tech":           0.15,
	"market_focus":   0.15,
	"growth_stage":   0.10,
}

const neutralScore = 0.5

// factorScores computes every deterministic similarity factor for a
// pair of profiles. Factors are 0.0 to 1.0; missing data on either side
// scores neutrally.
func factorScores(a, b Profile) map[string]float64 {
	return map[string]float64{
		"business_model": businessModelScore(a.BusinessModel, b.BusinessModel),
		"industry":       industryScore(a.Industry, b.Industry),
		"company_size":   ordinalScore(sizeRank(a.CompanySize), sizeRank(b.CompanySize)),
		"tech":           techScore(a.TechStack, b.TechStack),
		"market_focus":   marketScore(a.TargetMarket, b.TargetMarket),
		"growth_stage":   ordinalScore(stageRank(a.CompanyStage), stageRank(b.CompanyStage)),
	}
}

// overallScore folds factor components into a weighted total,
// normalized by the weight mass actually present so a sparse weights
// map still yields a 0-1 score.
func overallScore(components, weights map[string]float64) float64 {
	if len(weights) == 0 {
		weights = defaultWeights
	}
	totalScore := 0.0
	weightSum := 0.0
	for name, score := range components {
		w, ok := weights[name]
		if !ok || w <= 0 {
			continue
		}
		totalScore += score * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return math.Round(totalScore/weightSum*100) / 100
}

// pairConfidence derives result confidence from field completeness on
// both sides of the comparison.
func pairConfidence(a, b Profile) float64 {
	c := (a.completeness() + b.completeness()) / 2
	return math.Round(math.Min(1, math.Max(0, c))*100) / 100
}

// modelGroups buckets business model tokens into coarse families.
var modelGroups = map[string]string{
	"b2b":         "business",
	"enterprise":  "business",
	"smb":         "business",
	"saas":        "product",
	"software":    "product",
	"platform":    "product",
	"marketplace": "product",
	"b2c":         "consumer",
	"d2c":         "consumer",
	"ecommerce":   "consumer",
	"retail":      "consumer",
	"services":    "services",
	"consulting":  "services",
	"agency":      "services",
}

// compatibleModels lists token pairs that sell to the same buyers even
// though the tokens differ. Keys are sorted "a|b".
var compatibleModels = map[string]bool{
	"b2b|enterprise":      true,
	"b2b|saas":            true,
	"enterprise|saas":     true,
	"b2c|ecommerce":       true,
	"b2c|marketplace":     true,
	"consulting|services": true,
}

func businessModelScore(a, b string) float64 {
	a, b = foldCaser.String(strings.TrimSpace(a)), foldCaser.String(strings.TrimSpace(b))
	if a == "" || b == "" {
		return neutralScore
	}
	if a == b {
		return 1.0
	}
	ta, tb := modelToken(a), modelToken(b)
	if ta == "" || tb == "" {
		return 0.2
	}
	if ta == tb {
		return 1.0
	}
	if compatibleModels[pairKey(ta, tb)] {
		return 0.8
	}
	if modelGroups[ta] == modelGroups[tb] {
		return 0.6
	}
	return 0.2
}

// modelToken extracts the first recognized business model token from a
// folded free-text label like "b2b saas subscription".
func modelToken(s string) string {
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '/' || r == '-'
	}) {
		if _, ok := modelGroups[field]; ok {
			return field
		}
	}
	return ""
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// industryParent is a small fixed taxonomy tree mapping child
// industries to their parent vertical. All keys and values are folded.
var industryParent = map[string]string{
	"software":                "technology",
	"saas":                    "technology",
	"cybersecurity":           "technology",
	"artificial intelligence": "technology",
	"data analytics":          "technology",
	"fintech":                 "financial services",
	"insurtech":               "financial services",
	"banking":                 "financial services",
	"payments":                "financial services",
	"healthtech":              "healthcare",
	"biotech":                 "healthcare",
	"pharmaceuticals":         "healthcare",
	"ecommerce":               "retail",
	"proptech":                "real estate",
	"property management":     "real estate",
	"edtech":                  "education",
	"martech":                 "marketing",
	"adtech":                  "marketing",
	"legal tech":              "professional services",
	"hr tech":                 "professional services",
	"freight tech":            "logistics",
	"supply chain":            "logistics",
}

func industryScore(a, b string) float64 {
	a, b = foldCaser.String(strings.TrimSpace(a)), foldCaser.String(strings.TrimSpace(b))
	if a == "" || b == "" {
		return neutralScore
	}
	if a == b {
		return 1.0
	}
	pa, pb := industryParent[a], industryParent[b]
	if pa == b || pb == a {
		return 0.8
	}
	if pa != "" && pa == pb {
		return 0.7
	}
	if levenshteinSimilarity(a, b) > 0.7 {
		return 0.6
	}
	return 0.3
}

// levenshteinSimilarity normalizes edit distance into 0-1 where 1.0 is
// an exact match.
func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// sizeRanks order the common headcount buckets produced by aggregation.
var sizeRanks = map[string]int{
	"1-10":     0,
	"11-50":    1,
	"51-200":   2,
	"201-500":  3,
	"501-1000": 4,
	"1000+":    5,
	"1001+":    5,
}

func sizeRank(s string) int {
	s = strings.ReplaceAll(foldCaser.String(strings.TrimSpace(s)), " ", "")
	s = strings.TrimSuffix(s, "employees")
	if r, ok := sizeRanks[s]; ok {
		return r
	}
	return -1
}

// stageRanks order growth stages from founding to maturity.
var stageRanks = map[string]int{
	"startup":     0,
	"seed":        0,
	"early stage": 0,
	"growth":      1,
	"scaleup":     1,
	"expansion":   1,
	"mature":      2,
	"established": 2,
	"enterprise":  3,
	"public":      3,
}

func stageRank(s string) int {
	if r, ok := stageRanks[foldCaser.String(strings.TrimSpace(s))]; ok {
		return r
	}
	return -1
}

// ordinalScore maps rank distance onto the fixed similarity ladder. A
// negative rank means the value was missing or unrecognized.
func ordinalScore(a, b int) float64 {
	if a < 0 || b < 0 {
		return neutralScore
	}
	switch d := abs(a - b); d {
	case 0:
		return 1.0
	case 1:
		return 0.8
	case 2:
		return 0.5
	default:
		return 0.2
	}
}

// techScore is the Jaccard overlap of the lower-cased stack sets.
func techScore(a, b []string) float64 {
	sa, sb := foldSet(a), foldSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return neutralScore
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return neutralScore
	}
	return float64(inter) / float64(union)
}

func foldSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if t := foldCaser.String(strings.TrimSpace(item)); t != "" {
			set[t] = true
		}
	}
	return set
}

// marketRanks order the common go-to-market segments; markets outside
// this ladder fall back to exact and token-overlap rules.
var marketRanks = map[string]int{
	"smb":            0,
	"small business": 0,
	"mid-market":     1,
	"mid market":     1,
	"enterprise":     2,
}

func marketScore(a, b string) float64 {
	a, b = foldCaser.String(strings.TrimSpace(a)), foldCaser.String(strings.TrimSpace(b))
	if a == "" || b == "" {
		return neutralScore
	}
	if a == b {
		return 1.0
	}
	ra, okA := marketRanks[a]
	rb, okB := marketRanks[b]
	if okA && okB {
		return ordinalScore(ra, rb)
	}
	if tokenOverlap(a, b) {
		return 0.7
	}
	return 0.3
}

// tokenOverlap reports whether two labels share a meaningful word.
func tokenOverlap(a, b string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		if len(w) >= 4 {
			words[w] = true
		}
	}
	for _, w := range strings.Fields(b) {
		if words[w] {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
