package resource

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Summary is the kind-independent view of a resource used by listings and
// search hydration.
type Summary struct {
	ID        string           `json:"id"`
	Kind      ids.ResourceKind `json:"kind"`
	Title     string           `json:"title"`
	UpdatedAt time.Time        `json:"updated_at"`
	Deleted   bool             `json:"deleted"`
}

// ListOptions filters List.
type ListOptions struct {
	// Query matches titles case-insensitively.
	Query          string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Load returns the typed row for id.
func (s *Store) Load(ctx context.Context, id string) (Resource, error) {
	kind, _, err := tableFor("resource.load", id)
	if err != nil {
		return nil, err
	}
	q := s.db.Reader()
	switch kind {
	case ids.KindNote:
		return asResource(getNote(ctx, q, id))
	case ids.KindFile, ids.KindTextbook, ids.KindAttachment:
		return asResource(getDocument(ctx, q, id))
	case ids.KindTranslation:
		return asResource(getTranslation(ctx, q, id))
	case ids.KindExam:
		return asResource(getExam(ctx, q, id))
	case ids.KindEssay:
		return asResource(getEssay(ctx, q, id))
	case ids.KindMindMap:
		return asResource(getMindMap(ctx, q, id))
	default:
		return nil, vfserr.Invalid("resource.load", "", "unsupported resource kind "+string(kind))
	}
}

// asResource avoids returning a typed nil inside the interface.
func asResource[T Resource](r T, err error) (Resource, error) {
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Exists reports whether a live (not soft-deleted) resource of kind has id.
func (s *Store) Exists(ctx context.Context, kind ids.ResourceKind, id string) (bool, error) {
	info, ok := tables[kind]
	if !ok {
		return false, nil
	}
	var one int
	err := s.db.Reader().QueryRowContext(ctx,
		"SELECT 1 FROM "+info.table+" WHERE id = ? AND deleted_at IS NULL", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, vfserr.Database("resource.exists", err)
	}
	return true, nil
}

// Summary returns the summary of one resource.
func (s *Store) Summary(ctx context.Context, id string) (*Summary, error) {
	found, err := s.Summaries(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	sum, ok := found[id]
	if !ok {
		return nil, vfserr.NotFound("resource.summary", id)
	}
	return &sum, nil
}

// Summaries returns summaries keyed by id. Unknown ids are omitted.
func (s *Store) Summaries(ctx context.Context, resourceIDs []string) (map[string]Summary, error) {
	byKind := make(map[ids.ResourceKind][]string)
	for _, id := range resourceIDs {
		kind, err := ids.KindOf(id)
		if err != nil {
			continue
		}
		if _, ok := tables[kind]; ok {
			byKind[kind] = append(byKind[kind], id)
		}
	}

	out := make(map[string]Summary, len(resourceIDs))
	for kind, list := range byKind {
		info := tables[kind]
		args := make([]any, len(list))
		for i, id := range list {
			args[i] = id
		}
		query := "SELECT id, " + info.titleColumn + ", updated_at, deleted_at FROM " + info.table +
			" WHERE id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(list)), ",") + ")"
		if err := s.collectSummaries(ctx, kind, query, args, func(sum Summary) { out[sum.ID] = sum }); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// List returns summaries of one kind, most recently updated first.
func (s *Store) List(ctx context.Context, kind ids.ResourceKind, opts ListOptions) ([]Summary, error) {
	info, ok := tables[kind]
	if !ok {
		return nil, vfserr.Invalid("resource.list", "", "unsupported resource kind "+string(kind))
	}

	var where []string
	var args []any
	if !opts.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		where = append(where, info.titleColumn+" LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q)+"%")
	}
	query := "SELECT id, " + info.titleColumn + ", updated_at, deleted_at FROM " + info.table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, max(opts.Offset, 0))
	}

	var out []Summary
	err := s.collectSummaries(ctx, kind, query, args, func(sum Summary) { out = append(out, sum) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) collectSummaries(ctx context.Context, kind ids.ResourceKind, query string, args []any, fn func(Summary)) error {
	rows, err := s.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return vfserr.Database("resource.summaries", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		sum := Summary{Kind: kind}
		var updatedAt string
		var deletedAt sql.NullString
		if err := rows.Scan(&sum.ID, &sum.Title, &updatedAt, &deletedAt); err != nil {
			return vfserr.Database("resource.summaries", err)
		}
		if sum.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
			return vfserr.Serialization("resource.summaries", err)
		}
		sum.Deleted = deletedAt.Valid
		fn(sum)
	}
	if err := rows.Err(); err != nil {
		return vfserr.Database("resource.summaries", err)
	}
	return nil
}

// LiveIDs returns the ids of every resource that is not soft-deleted, ordered
// by kind then id.
func (s *Store) LiveIDs(ctx context.Context) ([]string, error) {
	kinds := make([]string, 0, len(tables))
	for kind := range tables {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	var out []string
	for _, k := range kinds {
		info := tables[ids.ResourceKind(k)]
		rows, err := s.db.Reader().QueryContext(ctx, "SELECT id FROM "+info.table+" WHERE deleted_at IS NULL ORDER BY id")
		if err != nil {
			return nil, vfserr.Database("resource.live_ids", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, vfserr.Database("resource.live_ids", err)
			}
			out = append(out, id)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, vfserr.Database("resource.live_ids", err)
		}
	}
	return out, nil
}

// BlobReferenceCounts counts references to each blob hash across every
// resource table, soft-deleted rows included.
func (s *Store) BlobReferenceCounts(ctx context.Context) (map[string]int64, error) {
	var parts []string
	for _, info := range tables {
		if info.blobColumn == "" {
			continue
		}
		parts = append(parts, "SELECT "+info.blobColumn+" AS hash FROM "+info.table+" WHERE "+info.blobColumn+" IS NOT NULL AND "+info.blobColumn+" != ''")
	}
	sort.Strings(parts)
	query := "SELECT hash, COUNT(*) FROM (" + strings.Join(parts, " UNION ALL ") + ") GROUP BY hash"

	rows, err := s.db.Reader().QueryContext(ctx, query)
	if err != nil {
		return nil, vfserr.Database("resource.blob_refs", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[string]int64)
	for rows.Next() {
		var hash string
		var n int64
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, vfserr.Database("resource.blob_refs", err)
		}
		out[hash] = n
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("resource.blob_refs", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
