package index

import (
	"context"
	"database/sql"
	"time"

	"vfscore/internal/clock"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Segment mirrors one vector row.
type Segment struct {
	ID           string         `json:"id"`
	UnitID       string         `json:"unit_id"`
	ResourceID   string         `json:"resource_id"`
	SegmentIndex int            `json:"segment_index"`
	Modality     Modality       `json:"modality"`
	Dimension    int            `json:"embedding_dim"`
	TableName    string         `json:"table_name"`
	VectorRowID  string         `json:"vector_row_id"`
	ContentText  string         `json:"content_text"`
	ContentHash  string         `json:"content_hash"`
	StartPos     *int           `json:"start_pos,omitempty"`
	EndPos       *int           `json:"end_pos,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Ref returns the vector row address of s.
func (s Segment) Ref() VectorRef {
	return VectorRef{Table: s.TableName, VectorRowID: s.VectorRowID}
}

// SegmentRepo persists index_segments.
type SegmentRepo struct {
	db    *storage.DB
	clock clock.Clock
}

// NewSegmentRepo creates a SegmentRepo.
func NewSegmentRepo(db *storage.DB, c clock.Clock) *SegmentRepo {
	return &SegmentRepo{db: db, clock: c}
}

// CreateBatch inserts segments in one transaction.
func (r *SegmentRepo) CreateBatch(ctx context.Context, segments []Segment) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		return r.CreateBatchTx(ctx, tx, segments)
	})
}

// CreateBatchTx inserts segments, replacing any row with the same
// (unit_id, segment_index, modality, embedding_dim).
func (r *SegmentRepo) CreateBatchTx(ctx context.Context, q storage.Querier, segments []Segment) error {
	now := storage.FormatTime(r.clock.Now())
	for i := range segments {
		s := &segments[i]
		if s.ID == "" {
			s.ID = ids.NewSegmentID()
		}
		if s.TableName == "" {
			s.TableName = TableName(s.Modality, s.Dimension)
		}
		if s.VectorRowID == "" {
			s.VectorRowID = VectorRowID(s.UnitID, s.SegmentIndex, s.Modality, s.Dimension, s.ContentHash)
		}
		meta, err := encodeMetadata(s.Metadata)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO index_segments (id, unit_id, resource_id, segment_index, modality, embedding_dim, table_name,
				vector_row_id, content_text, content_hash, start_pos, end_pos, metadata_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (unit_id, segment_index, modality, embedding_dim) DO UPDATE SET
				table_name = excluded.table_name,
				vector_row_id = excluded.vector_row_id,
				content_text = excluded.content_text,
				content_hash = excluded.content_hash,
				start_pos = excluded.start_pos,
				end_pos = excluded.end_pos,
				metadata_json = excluded.metadata_json`,
			s.ID, s.UnitID, s.ResourceID, s.SegmentIndex, string(s.Modality), s.Dimension, s.TableName,
			s.VectorRowID, s.ContentText, s.ContentHash, nullInt(s.StartPos), nullInt(s.EndPos), meta, now)
		if err != nil {
			return vfserr.Database("segment.create", err)
		}
	}
	return nil
}

// ListByUnit returns a unit's segments for modality, or for every modality
// when modality is empty.
func (r *SegmentRepo) ListByUnit(ctx context.Context, unitID string, modality Modality) ([]Segment, error) {
	if modality == "" {
		return listSegments(ctx, r.db.Reader(), "WHERE unit_id = ?", unitID)
	}
	return listSegments(ctx, r.db.Reader(), "WHERE unit_id = ? AND modality = ?", unitID, string(modality))
}

// ListByResource returns every segment of a resource.
func (r *SegmentRepo) ListByResource(ctx context.Context, resourceID string) ([]Segment, error) {
	return listSegments(ctx, r.db.Reader(), "WHERE resource_id = ?", resourceID)
}

// ByVectorRowIDs returns segments keyed by vector_row_id.
func (r *SegmentRepo) ByVectorRowIDs(ctx context.Context, rowIDs []string) (map[string]Segment, error) {
	out := make(map[string]Segment, len(rowIDs))
	if len(rowIDs) == 0 {
		return out, nil
	}
	placeholders, args := inClause(rowIDs)
	segs, err := listSegments(ctx, r.db.Reader(), "WHERE vector_row_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		out[s.VectorRowID] = s
	}
	return out, nil
}

// DeleteByUnit removes a unit's segments and returns their vector rows.
func (r *SegmentRepo) DeleteByUnit(ctx context.Context, unitID string, modality Modality) ([]VectorRef, error) {
	var refs []VectorRef
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		refs, err = r.DeleteByUnitTx(ctx, tx, unitID, modality)
		return err
	})
	return refs, err
}

// DeleteByUnitTx is DeleteByUnit inside the caller's transaction.
func (r *SegmentRepo) DeleteByUnitTx(ctx context.Context, q storage.Querier, unitID string, modality Modality) ([]VectorRef, error) {
	if modality == "" {
		return deleteSegmentsTx(ctx, q, "unit_id = ?", unitID)
	}
	return deleteSegmentsTx(ctx, q, "unit_id = ? AND modality = ?", unitID, string(modality))
}

// DeleteByResourceTx removes a resource's segments and returns their vector
// rows.
func (r *SegmentRepo) DeleteByResourceTx(ctx context.Context, q storage.Querier, resourceID string) ([]VectorRef, error) {
	return deleteSegmentsTx(ctx, q, "resource_id = ?", resourceID)
}

// DeleteByVectorRowIDs removes the segments mirroring the given rows of table
// and returns the affected resource ids.
func (r *SegmentRepo) DeleteByVectorRowIDs(ctx context.Context, table string, rowIDs []string) ([]string, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	var resources []string
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		placeholders, args := inClause(rowIDs)
		args = append([]any{table}, args...)
		rows, err := tx.QueryContext(ctx,
			"SELECT DISTINCT resource_id FROM index_segments WHERE table_name = ? AND vector_row_id IN ("+placeholders+") ORDER BY resource_id", args...)
		if err != nil {
			return vfserr.Database("segment.delete", err)
		}
		resources, err = scanStrings(rows)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM index_segments WHERE table_name = ? AND vector_row_id IN ("+placeholders+")", args...); err != nil {
			return vfserr.Database("segment.delete", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// VectorRowIDs returns the set of vector_row_ids registered for table.
func (r *SegmentRepo) VectorRowIDs(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := r.db.Reader().QueryContext(ctx, "SELECT vector_row_id FROM index_segments WHERE table_name = ?", table)
	if err != nil {
		return nil, vfserr.Database("segment.row_ids", err)
	}
	list, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(list))
	for _, id := range list {
		out[id] = struct{}{}
	}
	return out, nil
}

// Tables returns the distinct vector tables referenced by segments.
func (r *SegmentRepo) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.db.Reader().QueryContext(ctx, "SELECT DISTINCT table_name FROM index_segments ORDER BY table_name")
	if err != nil {
		return nil, vfserr.Database("segment.tables", err)
	}
	return scanStrings(rows)
}

// CountByTable returns segment counts per vector table.
func (r *SegmentRepo) CountByTable(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Reader().QueryContext(ctx, "SELECT table_name, COUNT(*) FROM index_segments GROUP BY table_name")
	if err != nil {
		return nil, vfserr.Database("segment.count", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make(map[string]int64)
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			return nil, vfserr.Database("segment.count", err)
		}
		out[table] = n
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("segment.count", err)
	}
	return out, nil
}

// ResourceIDs returns every resource that has at least one segment.
func (r *SegmentRepo) ResourceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Reader().QueryContext(ctx, "SELECT DISTINCT resource_id FROM index_segments ORDER BY resource_id")
	if err != nil {
		return nil, vfserr.Database("segment.resources", err)
	}
	return scanStrings(rows)
}

func deleteSegmentsTx(ctx context.Context, q storage.Querier, where string, args ...any) ([]VectorRef, error) {
	rows, err := q.QueryContext(ctx, "SELECT table_name, vector_row_id FROM index_segments WHERE "+where, args...)
	if err != nil {
		return nil, vfserr.Database("segment.delete", err)
	}
	var refs []VectorRef
	for rows.Next() {
		var ref VectorRef
		if err := rows.Scan(&ref.Table, &ref.VectorRowID); err != nil {
			_ = rows.Close()
			return nil, vfserr.Database("segment.delete", err)
		}
		refs = append(refs, ref)
	}
	iterErr := rows.Err()
	_ = rows.Close()
	if iterErr != nil {
		return nil, vfserr.Database("segment.delete", iterErr)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM index_segments WHERE "+where, args...); err != nil {
		return nil, vfserr.Database("segment.delete", err)
	}
	return refs, nil
}

func listSegments(ctx context.Context, q storage.Querier, where string, args ...any) ([]Segment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, unit_id, resource_id, segment_index, modality, embedding_dim, table_name, vector_row_id,
			content_text, content_hash, start_pos, end_pos, metadata_json, created_at
		 FROM index_segments `+where+` ORDER BY unit_id, modality, segment_index`, args...)
	if err != nil {
		return nil, vfserr.Database("segment.list", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Segment
	for rows.Next() {
		var s Segment
		var modality, createdAt string
		var start, end sql.NullInt64
		var meta sql.NullString
		if err := rows.Scan(&s.ID, &s.UnitID, &s.ResourceID, &s.SegmentIndex, &modality, &s.Dimension, &s.TableName,
			&s.VectorRowID, &s.ContentText, &s.ContentHash, &start, &end, &meta, &createdAt); err != nil {
			return nil, vfserr.Database("segment.list", err)
		}
		s.Modality = Modality(modality)
		s.StartPos, s.EndPos = intPtr(start), intPtr(end)
		if s.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, vfserr.Serialization("segment.list", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("segment.list", err)
	}
	return out, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer func() {
		_ = rows.Close()
	}()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, vfserr.Database("index.scan", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("index.scan", err)
	}
	return out, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
