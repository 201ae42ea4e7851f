// Package vector stores company embeddings and serves cosine
// similarity queries with metadata filters.
package vector

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
)

// Record is one stored embedding with its metadata.
type Record struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata"`
}

// Filter narrows query candidates on indexed metadata fields. Empty
// fields match everything.
type Filter struct {
	Industry      string `json:"industry,omitempty"`
	BusinessModel string `json:"business_model,omitempty"`
	CompanyStage  string `json:"company_stage,omitempty"`
	IsSaaS        *bool  `json:"is_saas,omitempty"`
}

// Match is a query hit ordered by descending score.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Store is the persistence interface for company embeddings.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	UpsertBatch(ctx context.Context, recs []Record) error
	Query(ctx context.Context, values []float32, topK int, filter *Filter) ([]Match, error)
	Fetch(ctx context.Context, id string) (*Record, error)
	// List pages through stored records ordered by id.
	List(ctx context.Context, limit, offset int) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Dimension() int
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// encodeVector packs float32 values as little-endian bytes.
func encodeVector(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, eris.Errorf("vector: blob length %d not a multiple of 4", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return values, nil
}

// cosine returns the cosine similarity of two equal-length vectors, or
// 0 when either has zero magnitude.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// insertMatch keeps matches sorted descending by score, capped at topK.
func insertMatch(matches []Match, m Match, topK int) []Match {
	pos := len(matches)
	for i, existing := range matches {
		if m.Score > existing.Score {
			pos = i
			break
		}
	}
	if pos >= topK {
		return matches
	}
	matches = append(matches, Match{})
	copy(matches[pos+1:], matches[pos:])
	matches[pos] = m
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
