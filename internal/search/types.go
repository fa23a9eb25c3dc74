package search

import (
	"time"

	"vfscore/internal/ids"
	"vfscore/internal/index"
)

const (
	// DefaultTopK is used when a request does not set TopK.
	DefaultTopK = 10
	// MaxTopK caps the number of results of one query.
	MaxTopK = 50
	// MaxSubQueries bounds how many rewrite sub-queries are searched.
	MaxSubQueries = 3
	// minRewriteLength skips the rewrite model for short queries (in runes).
	minRewriteLength = 10
)

// Filters scope a query.
type Filters struct {
	// FolderID restricts results to items filed anywhere under this folder.
	FolderID string `json:"folder_id,omitempty"`
	// ResourceKinds restricts results to these resource types. Empty means all.
	ResourceKinds []ids.ResourceKind `json:"resource_kinds,omitempty"`
	// ResourceIDs restricts results to these resources. Empty means all.
	ResourceIDs []string `json:"resource_ids,omitempty"`
	// IncludeDisabled keeps resources whose indexing has been disabled.
	IncludeDisabled bool `json:"include_disabled,omitempty"`
}

// Options tune one query. Zero values fall back to configured defaults.
type Options struct {
	// TopK is the number of results to return.
	TopK int `json:"top_k,omitempty"`
	// Rewrite asks the rewrite model for an optimized query and sub-queries.
	Rewrite bool `json:"rewrite,omitempty"`
	// Rerank asks the reranker model to rescore candidates.
	Rerank bool `json:"rerank,omitempty"`
	// VectorWeight and KeywordWeight weight the fused score.
	VectorWeight  float64 `json:"vector_weight,omitempty"`
	KeywordWeight float64 `json:"keyword_weight,omitempty"`
	// Timeout is the end-to-end deadline of the query.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Modalities lists the vector spaces to search. Empty means text only.
	Modalities []index.Modality `json:"modalities,omitempty"`
}

// Result is one hydrated hit.
type Result struct {
	ResourceID   string           `json:"resource_id"`
	ResourceType ids.ResourceKind `json:"resource_type"`
	UnitID       string           `json:"unit_id"`
	UnitKind     index.UnitKind   `json:"unit_kind"`
	SegmentIndex int              `json:"segment_index"`
	Score        float64          `json:"score"`
	Snippet      string           `json:"snippet"`
	Title        string           `json:"title"`
	// FolderID is the folder holding the resource, if it is filed.
	FolderID *string `json:"folder_id,omitempty"`
	// VectorRowID addresses the matched vector row.
	VectorRowID string `json:"vector_row_id,omitempty"`
	// Metadata carries unit placement such as page_index or bbox.
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	// VectorScore and KeywordScore are the fused inputs, for debugging.
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
}

// Response is the outcome of a query.
type Response struct {
	Results []Result `json:"results"`
	// Query is the text actually embedded, after any rewrite.
	Query      string   `json:"query"`
	SubQueries []string `json:"sub_queries,omitempty"`
	// Reranked reports whether the reranker model scored the results.
	Reranked bool `json:"reranked"`
	// Partial reports that the deadline cut one or more stages short.
	Partial bool `json:"partial"`
}

// candidate accumulates the evidence for one unit before hydration.
type candidate struct {
	unitID       string
	resourceID   string
	vectorRowID  string
	segmentIndex int
	text         string
	vectorScore  float64
	keywordScore float64
	score        float64

	title     string
	kind      ids.ResourceKind
	updatedAt time.Time
}
