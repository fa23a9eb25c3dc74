package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"vfscore/internal/index"
)

// ChunkerVersion identifies the chunking algorithm. Change it when chunk
// boundaries change so index versions differ.
const ChunkerVersion = "v2.0"

// CoverageStats describes what the index currently holds.
type CoverageStats struct {
	Resources        int                   `json:"resources"`
	Units            int                   `json:"units"`
	UnitsNeedReindex int                   `json:"units_need_reindex"`
	Segments         int                   `json:"segments"`
	States           index.StatusSummary   `json:"states"`
	Dimensions       []index.Dimension     `json:"dimensions"`
	ChunkTokenStats  map[string]TokenStats `json:"chunk_token_stats"`
	ChunkerVersion   string                `json:"chunker_version"`
	// IndexVersion is a hash of the chunker version, chunking parameters and
	// embedding models.
	IndexVersion string `json:"index_version"`
}

// TokenStats contains statistics about token counts in segments.
type TokenStats struct {
	Count int     `json:"count"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
	Mean  float64 `json:"mean"`
	P95   int     `json:"p95"`
}

// Coverage computes index statistics. Token counts use the job's tokenizer.
func (j *Job) Coverage(ctx context.Context) (*CoverageStats, error) {
	cov, err := j.index.Coverage(ctx)
	if err != nil {
		return nil, err
	}
	states, err := j.index.States.Summary(ctx)
	if err != nil {
		return nil, err
	}
	dims, err := j.index.Dimensions.List(ctx, false)
	if err != nil {
		return nil, err
	}

	stats := &CoverageStats{
		Resources:        cov.Resources,
		Units:            cov.Units,
		UnitsNeedReindex: cov.UnitsNeedReindex,
		Segments:         cov.Segments,
		States:           states,
		Dimensions:       dims,
		ChunkTokenStats:  make(map[string]TokenStats),
		ChunkerVersion:   ChunkerVersion,
	}

	tokenizer := j.chunker.Tokenizer()
	for _, m := range []index.Modality{index.ModalityText, index.ModalityMultimodal} {
		texts, err := j.index.SegmentTexts(ctx, m)
		if err != nil {
			return nil, err
		}
		if len(texts) == 0 {
			continue
		}
		counts := make([]int, len(texts))
		for i, t := range texts {
			counts[i] = tokenizer.Count(t)
		}
		stats.ChunkTokenStats[string(m)] = computeTokenStats(counts)
	}

	assigned, err := j.models.Assignments(ctx)
	if err != nil {
		return nil, err
	}
	stats.IndexVersion = indexVersion(j.chunker, assigned.EmbeddingModelID, assigned.MultimodalModelID)
	return stats, nil
}

func indexVersion(c *Chunker, models ...string) string {
	input := fmt.Sprintf("%s|tokens=%d|overlap=%d", ChunkerVersion, c.tokens, c.overlap)
	for _, m := range models {
		input += "|" + m
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

// computeTokenStats computes min, max, mean, and p95 from token counts.
func computeTokenStats(tokenCounts []int) TokenStats {
	if len(tokenCounts) == 0 {
		return TokenStats{}
	}

	sorted := make([]int, len(tokenCounts))
	copy(sorted, tokenCounts)
	sort.Ints(sorted)

	sum := 0
	for _, count := range tokenCounts {
		sum += count
	}
	mean := float64(sum) / float64(len(tokenCounts))

	p95Index := int(math.Ceil(float64(len(sorted)) * 0.95))
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return TokenStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  math.Round(mean*100) / 100,
		P95:   sorted[p95Index],
	}
}
