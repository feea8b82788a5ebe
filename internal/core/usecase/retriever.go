package usecase

import (
	"context"
	"fmt"
	"math"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

const (
	defaultTopK      = 3
	defaultFetchK    = 20
	defaultMMRLambda = 0.5
)

type RetrieverConfig struct {
	TopK       int
	FetchK     int
	Lambda     float64
	SearchType domain.SearchType
}

func (c RetrieverConfig) normalize() RetrieverConfig {
	out := c
	if out.TopK <= 0 {
		out.TopK = defaultTopK
	}
	if out.FetchK < out.TopK {
		out.FetchK = max(defaultFetchK, out.TopK)
	}
	if out.Lambda < 0 || out.Lambda > 1 {
		out.Lambda = defaultMMRLambda
	}
	if out.SearchType != domain.SearchTypeSimilarity {
		out.SearchType = domain.SearchTypeMMR
	}
	return out
}

// VectorRetriever embeds the question with the ingestion embedder and selects
// chunks from the index.
type VectorRetriever struct {
	embedder ports.Embedder
	store    ports.VectorStore
	cfg      RetrieverConfig
}

func NewRetriever(embedder ports.Embedder, store ports.VectorStore, cfg RetrieverConfig) *VectorRetriever {
	return &VectorRetriever{
		embedder: embedder,
		store:    store,
		cfg:      cfg.normalize(),
	}
}

// Retrieve returns at most TopK chunks, most relevant first. An empty index
// yields an empty result.
func (r *VectorRetriever) Retrieve(ctx context.Context, question string) ([]domain.RetrievedChunk, error) {
	queryVector, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	limit := r.cfg.TopK
	if r.cfg.SearchType == domain.SearchTypeMMR {
		limit = r.cfg.FetchK
	}
	candidates, err := r.store.Query(ctx, queryVector, limit)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}
	if len(candidates) == 0 {
		return []domain.RetrievedChunk{}, nil
	}

	if r.cfg.SearchType == domain.SearchTypeSimilarity {
		out := make([]domain.RetrievedChunk, 0, min(len(candidates), r.cfg.TopK))
		for _, c := range candidates[:min(len(candidates), r.cfg.TopK)] {
			out = append(out, domain.RetrievedChunk{Text: c.Text, Source: c.Source, Score: c.Score})
		}
		return out, nil
	}
	return selectMMR(queryVector, candidates, r.cfg.TopK, r.cfg.Lambda), nil
}

// selectMMR picks k candidates maximising
// lambda*sim(q, d) - (1-lambda)*max(sim(d, s)) over already selected s.
// Ties keep candidate order.
func selectMMR(query []float32, candidates []domain.ScoredRecord, k int, lambda float64) []domain.RetrievedChunk {
	if k > len(candidates) {
		k = len(candidates)
	}

	relevance := make([]float64, len(candidates))
	for i, c := range candidates {
		relevance[i] = domain.CosineSimilarity(query, c.Vector)
	}

	// redundancy[i] is the max similarity of candidate i to the selected set.
	redundancy := make([]float64, len(candidates))
	for i := range redundancy {
		redundancy[i] = math.Inf(-1)
	}
	used := make([]bool, len(candidates))
	out := make([]domain.RetrievedChunk, 0, k)

	for len(out) < k {
		best, bestScore := -1, math.Inf(-1)
		for i := range candidates {
			if used[i] {
				continue
			}
			score := relevance[i]
			if len(out) > 0 {
				score = lambda*relevance[i] - (1-lambda)*redundancy[i]
			}
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}

		used[best] = true
		picked := candidates[best]
		out = append(out, domain.RetrievedChunk{
			Text:   picked.Text,
			Source: picked.Source,
			Score:  relevance[best],
		})
		for i := range candidates {
			if used[i] {
				continue
			}
			if sim := domain.CosineSimilarity(picked.Vector, candidates[i].Vector); sim > redundancy[i] {
				redundancy[i] = sim
			}
		}
	}
	return out
}
