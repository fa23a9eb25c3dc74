package index

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strings"
	"unicode"

	"vfscore/internal/ids"
	"vfscore/internal/vfserr"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// KeywordQuery scopes a keyword search.
type KeywordQuery struct {
	Text     string
	Modality Modality
	// ResourceIDs restricts hits to these resources when non-nil.
	ResourceIDs   []string
	ResourceKinds []ids.ResourceKind
	Limit         int
}

// KeywordHit is one segment matched by keyword search. Higher scores are
// better.
type KeywordHit struct {
	SegmentID   string  `json:"segment_id"`
	UnitID      string  `json:"unit_id"`
	ResourceID  string  `json:"resource_id"`
	VectorRowID string  `json:"vector_row_id"`
	ContentText string  `json:"content_text"`
	Score       float64 `json:"score"`
}

// Terms lowercases text and splits it into keyword terms. Runs of Han, Kana
// and Hangul characters yield one term per character.
func Terms(text string) []string {
	var terms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			terms = append(terms, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flush()
			terms = append(terms, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return terms
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

func uniqueTerms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Terms(text) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// KeywordSearch ranks segments by BM25 over content_text. It uses the FTS5
// index when available and scores a LIKE prefilter in Go otherwise.
func (r *SegmentRepo) KeywordSearch(ctx context.Context, kq KeywordQuery) ([]KeywordHit, error) {
	terms := uniqueTerms(kq.Text)
	if len(terms) == 0 || (kq.ResourceIDs != nil && len(kq.ResourceIDs) == 0) {
		return nil, nil
	}
	if kq.Modality == "" {
		kq.Modality = ModalityText
	}
	if kq.Limit <= 0 {
		kq.Limit = 50
	}

	var hits []KeywordHit
	var err error
	if r.db.KeywordIndexEnabled() {
		hits, err = r.ftsSearch(ctx, kq, terms)
	} else {
		hits, err = r.fallbackSearch(ctx, kq, terms)
	}
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func scopeClause(kq KeywordQuery) (string, []any) {
	var clause strings.Builder
	var args []any
	clause.WriteString(" AND s.modality = ?")
	args = append(args, string(kq.Modality))
	if kq.ResourceIDs != nil {
		placeholders, idArgs := inClause(kq.ResourceIDs)
		clause.WriteString(" AND s.resource_id IN (" + placeholders + ")")
		args = append(args, idArgs...)
	}
	if len(kq.ResourceKinds) > 0 {
		kinds := make([]string, len(kq.ResourceKinds))
		for i, k := range kq.ResourceKinds {
			kinds[i] = string(k)
		}
		placeholders, kindArgs := inClause(kinds)
		clause.WriteString(" AND u.resource_type IN (" + placeholders + ")")
		args = append(args, kindArgs...)
	}
	return clause.String(), args
}

func (r *SegmentRepo) ftsSearch(ctx context.Context, kq KeywordQuery, terms []string) ([]KeywordHit, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	scope, scopeArgs := scopeClause(kq)
	args := append([]any{strings.Join(quoted, " OR ")}, scopeArgs...)
	args = append(args, kq.Limit)

	rows, err := r.db.Reader().QueryContext(ctx,
		`SELECT s.id, s.unit_id, s.resource_id, s.vector_row_id, s.content_text, -bm25(index_segments_fts) AS score
		 FROM index_segments_fts
		 JOIN index_segments s ON s.rowid = index_segments_fts.rowid
		 JOIN index_units u ON u.id = s.unit_id
		 WHERE index_segments_fts MATCH ?`+scope+`
		 ORDER BY score DESC, s.unit_id
		 LIMIT ?`, args...)
	if err != nil {
		return nil, vfserr.Database("segment.keyword_search", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.SegmentID, &h.UnitID, &h.ResourceID, &h.VectorRowID, &h.ContentText, &h.Score); err != nil {
			return nil, vfserr.Database("segment.keyword_search", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("segment.keyword_search", err)
	}
	return hits, nil
}

func (r *SegmentRepo) fallbackSearch(ctx context.Context, kq KeywordQuery, terms []string) ([]KeywordHit, error) {
	q := r.db.Reader()

	var total int
	var avgChars sql.NullFloat64
	if err := q.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(LENGTH(content_text)) FROM index_segments WHERE modality = ?",
		string(kq.Modality)).Scan(&total, &avgChars); err != nil {
		return nil, vfserr.Database("segment.keyword_search", err)
	}
	if total == 0 {
		return nil, nil
	}

	likes := make([]string, len(terms))
	scope, scopeArgs := scopeClause(kq)
	args := make([]any, 0, len(terms)+len(scopeArgs))
	for i, t := range terms {
		likes[i] = "LOWER(s.content_text) LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, scopeArgs...)

	rows, err := q.QueryContext(ctx,
		`SELECT s.id, s.unit_id, s.resource_id, s.vector_row_id, s.content_text
		 FROM index_segments s
		 JOIN index_units u ON u.id = s.unit_id
		 WHERE (`+strings.Join(likes, " OR ")+`)`+scope, args...)
	if err != nil {
		return nil, vfserr.Database("segment.keyword_search", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	type candidate struct {
		hit   KeywordHit
		freq  map[string]int
		chars int
	}
	var candidates []candidate
	df := make(map[string]int, len(terms))
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.hit.SegmentID, &c.hit.UnitID, &c.hit.ResourceID, &c.hit.VectorRowID, &c.hit.ContentText); err != nil {
			return nil, vfserr.Database("segment.keyword_search", err)
		}
		c.freq = make(map[string]int)
		for _, t := range Terms(c.hit.ContentText) {
			c.freq[t]++
		}
		c.chars = len([]rune(c.hit.ContentText))
		for _, t := range terms {
			if c.freq[t] > 0 {
				df[t]++
			}
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("segment.keyword_search", err)
	}

	avg := avgChars.Float64
	if !avgChars.Valid || avg <= 0 {
		avg = 1
	}
	n := float64(total)
	var hits []KeywordHit
	for _, c := range candidates {
		score := 0.0
		for _, t := range terms {
			tf := float64(c.freq[t])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(c.chars)/avg))
			score += idf * norm
		}
		if score > 0 {
			c.hit.Score = score
			hits = append(hits, c.hit)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UnitID < hits[j].UnitID
	})
	if len(hits) > kq.Limit {
		hits = hits[:kq.Limit]
	}
	return hits, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
