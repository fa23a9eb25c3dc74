package handlers

import (
	"net/http"
	"strings"
	"time"

	"vfscore/internal/contextutil"
	"vfscore/internal/search"
	"vfscore/internal/vfserr"
)

// SearchHandler handles HTTP requests for hybrid search.
type SearchHandler struct {
	searcher search.Searcher
}

// NewSearchHandler creates a new SearchHandler.
func NewSearchHandler(searcher search.Searcher) *SearchHandler {
	return &SearchHandler{searcher: searcher}
}

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query   string         `json:"query"`
	Filters search.Filters `json:"filters"`
	Options SearchOptions  `json:"options"`
}

// SearchOptions mirrors search.Options with a JSON-friendly timeout.
type SearchOptions struct {
	TopK          int     `json:"top_k,omitempty"`
	Rewrite       bool    `json:"rewrite,omitempty"`
	Rerank        bool    `json:"rerank,omitempty"`
	VectorWeight  float64 `json:"vector_weight,omitempty"`
	KeywordWeight float64 `json:"keyword_weight,omitempty"`
	TimeoutMS     int     `json:"timeout_ms,omitempty"`
}

func (o SearchOptions) toOptions() search.Options {
	return search.Options{
		TopK:          o.TopK,
		Rewrite:       o.Rewrite,
		Rerank:        o.Rerank,
		VectorWeight:  o.VectorWeight,
		KeywordWeight: o.KeywordWeight,
		Timeout:       time.Duration(o.TimeoutMS) * time.Millisecond,
	}
}

// ServeHTTP handles POST /api/search.
func (h *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	var req SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeStatus(w, r, http.StatusBadRequest, vfserr.CodeInvalidArgument, "query is required")
		return
	}
	if req.Options.TopK < 0 || req.Options.TimeoutMS < 0 {
		writeStatus(w, r, http.StatusBadRequest, vfserr.CodeInvalidArgument, "top_k and timeout_ms must not be negative")
		return
	}

	resp, err := h.searcher.Search(ctx, req.Query, req.Filters, req.Options.toOptions())
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.InfoContext(ctx, "search completed",
		"results", len(resp.Results),
		"partial", resp.Partial,
		"reranked", resp.Reranked,
	)
	if resp.Results == nil {
		resp.Results = []search.Result{}
	}
	writeJSON(w, r, http.StatusOK, resp)
}
