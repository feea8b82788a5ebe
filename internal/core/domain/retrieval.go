package domain

import "math"

type SearchType string

const (
	SearchTypeMMR        SearchType = "mmr"
	SearchTypeSimilarity SearchType = "similarity"
)

// SourceMeta identifies where an indexed chunk came from.
type SourceMeta struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Page       int    `json:"page"`
	ChunkIndex int    `json:"chunk_index"`
}

// EmbeddingRecord is the unit stored in the vector index.
type EmbeddingRecord struct {
	ID     string     `json:"id"`
	Vector []float32  `json:"-"`
	Text   string     `json:"text"`
	Source SourceMeta `json:"source"`
}

type ScoredRecord struct {
	EmbeddingRecord
	Score float64 `json:"score"`
}

type RetrievedChunk struct {
	Text   string     `json:"text"`
	Source SourceMeta `json:"source"`
	Score  float64    `json:"score"`
}

type Answer struct {
	Text    string           `json:"text"`
	Sources []RetrievedChunk `json:"sources"`
	// Failed marks an assistant message rendered from an error.
	Failed bool `json:"failed,omitempty"`
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when their lengths differ or either is a zero vector.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
