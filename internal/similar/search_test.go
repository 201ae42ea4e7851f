package similar

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidates(t *testing.T) {
	t.Parallel()

	text := `1. Bellhop | bellhop.test
- Ghost Co | ghostco.example/
* Trailing | (paren.test)
Here are some companies:
Broken line without pipe
Name Only |
| site.only
Spaced | not a domain`

	got := parseCandidates(text)
	require.Len(t, got, 3)
	assert.Equal(t, candidate{Name: "Bellhop", Website: "bellhop.test"}, got[0])
	assert.Equal(t, candidate{Name: "Ghost Co", Website: "ghostco.example"}, got[1])
	assert.Equal(t, candidate{Name: "Trailing", Website: "paren.test"}, got[2])
}

func TestSearchQueriesBounded(t *testing.T) {
	t.Parallel()

	full := Profile{Name: "Acme", Website: "https://acme.test", Industry: "fintech", BusinessModel: "B2B SaaS"}
	queries := searchQueries(full)
	require.Len(t, queries, 3)
	assert.Contains(t, queries[0], "Acme")
	assert.Contains(t, queries[1], "fintech")

	bare := Profile{Name: "Acme"}
	assert.Len(t, searchQueries(bare), 1)
}

func TestSearchCandidatesDeduplicates(t *testing.T) {
	t.Parallel()

	search := &fakeSearch{responses: []string{
		"Bellhop | bellhop.test",
		"Bellhop | https://bellhop.test\nGhost Co | ghostco.example",
	}}
	e := NewEngine(testConfig(), &fakeVectors{}, nil, nil, search)

	got, err := e.searchCandidates(context.Background(), Profile{Name: "Acme", Industry: "fintech"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Bellhop", got[0].Name)
	assert.Equal(t, "Ghost Co", got[1].Name)
	assert.Equal(t, 2, search.calls)
}

func TestSearchCandidatesAllQueriesFailed(t *testing.T) {
	t.Parallel()

	search := &fakeSearch{err: eris.New("upstream down")}
	e := NewEngine(testConfig(), &fakeVectors{}, nil, nil, search)

	_, err := e.searchCandidates(context.Background(), Profile{Name: "Acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all web searches failed")
}
