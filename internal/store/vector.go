package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/ashureev/chatflow/internal/domain"
)

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// cosineSimilarity returns a value in [-1, 1]; mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func topK(query []float32, snippets []*domain.KnowledgeSnippet, k int, minScore float64) []domain.ScoredSnippet {
	if k <= 0 {
		k = 5
	}
	hits := make([]domain.ScoredSnippet, 0, len(snippets))
	for _, s := range snippets {
		score := cosineSimilarity(query, s.Embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, domain.ScoredSnippet{
			ID:         s.ID,
			Identifier: s.Identifier,
			Content:    s.Content,
			Score:      score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
