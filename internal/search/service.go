// Package search answers queries over the indexed knowledge base by fusing
// vector and keyword recall.
package search

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_searcher.go -package=mocks vfscore/internal/search Searcher

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"vfscore/internal/clock"
	"vfscore/internal/config"
	"vfscore/internal/contextutil"
	"vfscore/internal/folder"
	"vfscore/internal/ids"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/resource"
	"vfscore/internal/vectorstore"
	"vfscore/internal/vfserr"
)

const (
	minRecallK   = 20
	snippetRunes = 240

	// rerankFloorStep separates candidates the reranker did not score.
	rerankFloorStep = 1e-6
)

// Searcher answers queries. It is implemented by *Service.
type Searcher interface {
	Search(ctx context.Context, query string, filters Filters, opts Options) (*Response, error)
}

// Recorder observes completed queries.
type Recorder interface {
	SearchCompleted(d time.Duration, results int, partial bool)
}

// Service runs the rewrite, recall, fusion, rerank and hydrate stages.
type Service struct {
	index     *index.Store
	resources *resource.Store
	folders   *folder.Hierarchy
	vectors   vectorstore.VectorStore
	models    model.Service
	cfg       config.SearchConfig
	clock     clock.Clock
	recorder  Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for recency boosts.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRecorder reports every completed query to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService creates a search service.
func NewService(
	idx *index.Store,
	resources *resource.Store,
	folders *folder.Hierarchy,
	vectors vectorstore.VectorStore,
	models model.Service,
	cfg config.SearchConfig,
	opts ...Option,
) *Service {
	s := &Service{
		index:     idx,
		resources: resources,
		folders:   folders,
		vectors:   vectors,
		models:    models,
		cfg:       cfg,
		clock:     clock.System{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns the best units for query. When the deadline expires the
// remaining stages are skipped and whatever was recalled is returned with
// Partial set.
func (s *Service) Search(ctx context.Context, query string, filters Filters, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, vfserr.Invalid("search", "", "query is required")
	}
	opts = s.withDefaults(opts)
	started := time.Now()

	ctx = contextutil.WithAttrs(ctx, "query", query)
	logger := contextutil.LoggerFromContext(ctx)
	logger.DebugContext(ctx, "search started",
		"top_k", opts.TopK,
		"folder_id", filters.FolderID,
		"resource_kinds", filters.ResourceKinds,
		"rewrite", opts.Rewrite,
		"rerank", opts.Rerank,
	)

	resp := &Response{Query: query, Results: []Result{}}
	scope, err := s.scope(ctx, filters)
	if err != nil {
		return nil, err
	}
	if scope != nil && len(scope) == 0 {
		s.record(started, resp)
		return resp, nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	// Hydration only touches the local database, so it runs even after the
	// deadline has cut recall short.
	localCtx := context.WithoutCancel(ctx)

	assigned, err := s.models.Assignments(stageCtx)
	if err != nil {
		logger.WarnContext(ctx, "model assignments unavailable", "error", err)
	}

	queries := []string{query}
	keywordText := query
	if opts.Rewrite && assigned.RewriteModelID != "" && utf8.RuneCountInString(query) >= minRewriteLength {
		if rw := s.rewrite(stageCtx, query, assigned.RewriteModelID); rw != nil {
			resp.Query = rw.Query
			resp.SubQueries = rw.SubQueries
			queries = append([]string{rw.Query}, rw.SubQueries...)
			if len(rw.Concepts) > 0 {
				keywordText = query + " " + strings.Join(rw.Concepts, " ")
			}
		}
	}

	recallK := max(opts.TopK*4, minRecallK)
	cands, err := s.recall(stageCtx, localCtx, queries, keywordText, scope, filters, opts, assigned, recallK)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	if stageCtx.Err() != nil {
		resp.Partial = true
	}

	cands = fuse(cands, opts.VectorWeight, opts.KeywordWeight)
	cands, err = s.hydrate(localCtx, cands, filters, opts.Modalities)
	if err != nil {
		return nil, err
	}
	sortCandidates(cands)

	if opts.Rerank && assigned.RerankerModelID != "" && !resp.Partial && stageCtx.Err() == nil {
		cands, resp.Reranked = s.rerank(stageCtx, query, cands, assigned.RerankerModelID, opts.TopK)
		if stageCtx.Err() != nil {
			resp.Partial = true
		}
	}
	if !resp.Reranked {
		now := s.clock.Now()
		for _, c := range cands {
			c.score += ruleBoost(query, c, now)
		}
	}
	sortCandidates(cands)
	if len(cands) > opts.TopK {
		cands = cands[:opts.TopK]
	}

	results, err := s.results(localCtx, query, cands)
	if err != nil {
		return nil, err
	}
	resp.Results = results

	logger.InfoContext(ctx, "search completed",
		"results", len(results),
		"partial", resp.Partial,
		"reranked", resp.Reranked,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	s.record(started, resp)
	return resp, nil
}

func (s *Service) withDefaults(o Options) Options {
	if o.TopK <= 0 {
		o.TopK = s.cfg.DefaultTopK
		if o.TopK <= 0 {
			o.TopK = DefaultTopK
		}
	}
	if o.TopK > MaxTopK {
		o.TopK = MaxTopK
	}
	if o.VectorWeight <= 0 && o.KeywordWeight <= 0 {
		o.VectorWeight, o.KeywordWeight = s.cfg.VectorWeight, s.cfg.KeywordWeight
		if o.VectorWeight <= 0 && o.KeywordWeight <= 0 {
			o.VectorWeight, o.KeywordWeight = 0.7, 0.3
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = s.cfg.Timeout
		if o.Timeout <= 0 {
			o.Timeout = 10 * time.Second
		}
	}
	if len(o.Modalities) == 0 {
		o.Modalities = []index.Modality{index.ModalityText}
	}
	return o
}

// scope resolves folder and id filters to a resource id list. A nil result
// means unrestricted; an empty one matches nothing.
func (s *Service) scope(ctx context.Context, f Filters) ([]string, error) {
	var scope []string
	restricted := false
	if f.FolderID != "" {
		items, err := s.folders.SubtreeItems(ctx, f.FolderID)
		if err != nil {
			return nil, err
		}
		restricted = true
		scope = make([]string, 0, len(items))
		for _, it := range items {
			scope = append(scope, it.ItemID)
		}
	}
	if len(f.ResourceIDs) > 0 {
		if restricted {
			scope = intersect(scope, f.ResourceIDs)
		} else {
			scope = dedupe(f.ResourceIDs)
			restricted = true
		}
	}
	if !restricted {
		return nil, nil
	}
	if scope == nil {
		scope = []string{}
	}
	return scope, nil
}

func (s *Service) rewrite(ctx context.Context, query, modelID string) *model.Rewrite {
	rw, err := s.models.RewriteQuery(ctx, query, modelID)
	if err != nil || rw == nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "query rewrite failed, using original query", "error", err)
		return nil
	}
	out := &model.Rewrite{Query: strings.TrimSpace(rw.Query), Concepts: rw.Concepts}
	if out.Query == "" {
		out.Query = query
	}
	for _, sq := range rw.SubQueries {
		if sq = strings.TrimSpace(sq); sq != "" && len(out.SubQueries) < MaxSubQueries {
			out.SubQueries = append(out.SubQueries, sq)
		}
	}
	return out
}

// recall runs vector and keyword recall in parallel and merges both into one
// candidate per unit. Vector rows without a registered segment are dropped.
func (s *Service) recall(
	ctx, localCtx context.Context,
	queries []string,
	keywordText string,
	scope []string,
	f Filters,
	o Options,
	assigned model.Assignments,
	k int,
) ([]*candidate, error) {
	logger := contextutil.LoggerFromContext(ctx)

	var (
		vectorHits  map[string]float64
		keywordHits []index.KeywordHit
		vectorErr   error
		keywordErr  error
	)
	var g errgroup.Group
	g.Go(func() error {
		vectorHits, vectorErr = s.vectorRecall(ctx, queries, scope, o.Modalities, assigned, k)
		return nil
	})
	g.Go(func() error {
		keywordHits, keywordErr = s.keywordRecall(ctx, keywordText, scope, f.ResourceKinds, o.Modalities, k)
		return nil
	})
	_ = g.Wait()

	if vectorErr != nil {
		logger.WarnContext(ctx, "vector recall failed", "error", vectorErr)
	}
	if keywordErr != nil {
		logger.WarnContext(ctx, "keyword recall failed", "error", keywordErr)
	}
	if vectorErr != nil && keywordErr != nil && ctx.Err() == nil {
		return nil, errors.Join(vectorErr, keywordErr)
	}

	rowIDs := make([]string, 0, len(vectorHits)+len(keywordHits))
	for id := range vectorHits {
		rowIDs = append(rowIDs, id)
	}
	for _, h := range keywordHits {
		rowIDs = append(rowIDs, h.VectorRowID)
	}
	segments, err := s.index.Segments.ByVectorRowIDs(localCtx, dedupe(rowIDs))
	if err != nil {
		return nil, err
	}

	byUnit := make(map[string]*candidate)
	get := func(seg index.Segment) *candidate {
		c, ok := byUnit[seg.UnitID]
		if !ok {
			c = &candidate{unitID: seg.UnitID, resourceID: seg.ResourceID}
			c.useSegment(seg)
			byUnit[seg.UnitID] = c
		}
		return c
	}
	for rowID, score := range vectorHits {
		seg, ok := segments[rowID]
		if !ok {
			continue
		}
		c := get(seg)
		if score > c.vectorScore {
			c.vectorScore = score
			c.useSegment(seg)
		}
	}
	for _, h := range keywordHits {
		seg, ok := segments[h.VectorRowID]
		if !ok {
			continue
		}
		c := get(seg)
		if h.Score > c.keywordScore {
			c.keywordScore = h.Score
			if c.vectorScore == 0 {
				c.useSegment(seg)
			}
		}
	}

	out := make([]*candidate, 0, len(byUnit))
	for _, c := range byUnit {
		out = append(out, c)
	}
	logger.DebugContext(ctx, "recall completed",
		"vector_hits", len(vectorHits),
		"keyword_hits", len(keywordHits),
		"candidates", len(out),
	)
	return out, nil
}

func (c *candidate) useSegment(seg index.Segment) {
	c.vectorRowID = seg.VectorRowID
	c.segmentIndex = seg.SegmentIndex
	c.text = seg.ContentText
}

// vectorRecall embeds every query with each modality's assigned model and
// searches the live table of the resulting dimension. It returns the best
// score per vector row.
func (s *Service) vectorRecall(
	ctx context.Context,
	queries []string,
	scope []string,
	modalities []index.Modality,
	assigned model.Assignments,
	k int,
) (map[string]float64, error) {
	best := make(map[string]float64)
	var filter *vectorstore.Filter
	if scope != nil {
		filter = &vectorstore.Filter{ResourceIDs: scope}
	}

	for _, m := range modalities {
		modelID := assigned.EmbeddingModel(string(m))
		if modelID == "" {
			continue
		}
		dims, err := s.index.Dimensions.ListByModality(ctx, m)
		if err != nil {
			return best, err
		}
		live := make(map[string]bool, len(dims))
		for _, d := range dims {
			live[d.TableName] = true
		}
		if len(live) == 0 {
			continue
		}

		vecs, err := s.models.Embed(ctx, queries, modelID)
		if err != nil {
			return best, err
		}
		if len(vecs) != len(queries) {
			return best, &model.Error{Kind: model.ErrBadResponse, Message: "embedding count does not match query count"}
		}
		for _, v := range vecs {
			if len(v) == 0 {
				continue
			}
			table := index.TableName(m, len(v))
			if !live[table] {
				continue
			}
			hits, err := s.vectors.Search(ctx, table, v, k, filter)
			if err != nil {
				return best, err
			}
			for _, h := range hits {
				score := clamp01(float64(h.Score))
				if score > best[h.VectorRowID] {
					best[h.VectorRowID] = score
				}
			}
		}
	}
	return best, nil
}

func (s *Service) keywordRecall(
	ctx context.Context,
	text string,
	scope []string,
	kinds []ids.ResourceKind,
	modalities []index.Modality,
	k int,
) ([]index.KeywordHit, error) {
	var out []index.KeywordHit
	for _, m := range modalities {
		hits, err := s.index.Segments.KeywordSearch(ctx, index.KeywordQuery{
			Text:          text,
			Modality:      m,
			ResourceIDs:   scope,
			ResourceKinds: kinds,
			Limit:         k,
		})
		if err != nil {
			return out, err
		}
		out = append(out, hits...)
	}
	return out, nil
}

// fuse normalizes keyword scores by the best keyword score in the set and
// combines them with vector scores. Candidates without evidence are dropped.
func fuse(cands []*candidate, vectorWeight, keywordWeight float64) []*candidate {
	var maxKeyword float64
	for _, c := range cands {
		maxKeyword = max(maxKeyword, c.keywordScore)
	}
	out := cands[:0]
	for _, c := range cands {
		if maxKeyword > 0 {
			c.keywordScore /= maxKeyword
		} else {
			c.keywordScore = 0
		}
		c.score = vectorWeight*c.vectorScore + keywordWeight*c.keywordScore
		if c.score > 0 {
			out = append(out, c)
		}
	}
	return out
}

// hydrate attaches resource summaries and drops candidates whose resource is
// gone, soft-deleted, of an unwanted kind, or disabled for indexing.
func (s *Service) hydrate(ctx context.Context, cands []*candidate, f Filters, modalities []index.Modality) ([]*candidate, error) {
	if len(cands) == 0 {
		return cands, nil
	}
	resourceIDs := make([]string, 0, len(cands))
	for _, c := range cands {
		resourceIDs = append(resourceIDs, c.resourceID)
	}
	summaries, err := s.resources.Summaries(ctx, dedupe(resourceIDs))
	if err != nil {
		return nil, err
	}

	disabled := make(map[string]bool)
	if !f.IncludeDisabled {
		for _, m := range modalities {
			set, err := s.index.States.ResourcesInState(ctx, m, index.StateDisabled)
			if err != nil {
				return nil, err
			}
			for id := range set {
				disabled[id] = true
			}
		}
	}

	kinds := make(map[ids.ResourceKind]bool, len(f.ResourceKinds))
	for _, k := range f.ResourceKinds {
		kinds[k] = true
	}

	out := cands[:0]
	for _, c := range cands {
		sum, ok := summaries[c.resourceID]
		if !ok || sum.Deleted || disabled[c.resourceID] {
			continue
		}
		if len(kinds) > 0 && !kinds[sum.Kind] {
			continue
		}
		c.title = sum.Title
		c.kind = sum.Kind
		c.updatedAt = sum.UpdatedAt
		out = append(out, c)
	}
	return out, nil
}

// rerank rescores the leading candidates with the reranker model. On failure
// the candidates are returned unchanged and reranked is false.
func (s *Service) rerank(ctx context.Context, query string, cands []*candidate, modelID string, topK int) ([]*candidate, bool) {
	if len(cands) == 0 {
		return cands, false
	}
	window := min(len(cands), max(topK*2, minRecallK))
	texts := make([]string, window)
	for i := 0; i < window; i++ {
		texts[i] = cands[i].text
	}

	scores, err := s.models.Rerank(ctx, query, texts, modelID)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "rerank failed, falling back to rule boost", "error", err)
		return cands, false
	}
	scored := make([]bool, window)
	floor := math.Inf(1)
	for _, sc := range scores {
		if sc.Index >= 0 && sc.Index < window {
			cands[sc.Index].score = sc.Score
			scored[sc.Index] = true
			floor = min(floor, sc.Score)
		}
	}
	if math.IsInf(floor, 1) {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "reranker scored no candidates, falling back to rule boost")
		return cands, false
	}
	// Candidates the reranker skipped sink below every reranked one and keep
	// their fused order.
	skipped := 0
	for i := 0; i < window; i++ {
		if !scored[i] {
			skipped++
			cands[i].score = floor - rerankFloorStep*float64(skipped)
		}
	}
	return cands[:window], true
}

func sortCandidates(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.updatedAt.Equal(b.updatedAt) {
			return a.updatedAt.After(b.updatedAt)
		}
		return a.unitID < b.unitID
	})
}

func (s *Service) results(ctx context.Context, query string, cands []*candidate) ([]Result, error) {
	out := make([]Result, 0, len(cands))
	if len(cands) == 0 {
		return out, nil
	}
	unitIDs := make([]string, 0, len(cands))
	resourceIDs := make([]string, 0, len(cands))
	for _, c := range cands {
		unitIDs = append(unitIDs, c.unitID)
		resourceIDs = append(resourceIDs, c.resourceID)
	}
	units, err := s.index.Units.GetMany(ctx, unitIDs)
	if err != nil {
		return nil, err
	}
	folders, err := s.folders.FolderOfIDs(ctx, dedupe(resourceIDs))
	if err != nil {
		return nil, err
	}

	for _, c := range cands {
		r := Result{
			ResourceID:   c.resourceID,
			ResourceType: c.kind,
			UnitID:       c.unitID,
			SegmentIndex: c.segmentIndex,
			Score:        c.score,
			Snippet:      snippet(c.text, query, snippetRunes),
			Title:        c.title,
			VectorRowID:  c.vectorRowID,
			UpdatedAt:    c.updatedAt,
			VectorScore:  c.vectorScore,
			KeywordScore: c.keywordScore,
		}
		if u, ok := units[c.unitID]; ok {
			r.UnitKind = u.Kind
			r.Metadata = u.Metadata
		}
		if folderID, ok := folders[c.resourceID]; ok {
			r.FolderID = &folderID
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) record(started time.Time, resp *Response) {
	if s.recorder != nil {
		s.recorder.SearchCompleted(time.Since(started), len(resp.Results), resp.Partial)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0)
	for _, v := range dedupe(a) {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
