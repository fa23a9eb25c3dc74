package index

import (
	"context"
	"database/sql"

	"vfscore/internal/clock"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Store groups the index repositories over one database.
type Store struct {
	db         *storage.DB
	Units      *UnitRepo
	Segments   *SegmentRepo
	States     *StateRepo
	Dimensions *DimensionRepo
}

// NewStore creates the index repositories.
func NewStore(db *storage.DB, c clock.Clock, policy RetryPolicy, modalities []Modality) *Store {
	if c == nil {
		c = clock.System{}
	}
	return &Store{
		db:         db,
		Units:      NewUnitRepo(db, c),
		Segments:   NewSegmentRepo(db, c),
		States:     NewStateRepo(db, c, policy, modalities),
		Dimensions: NewDimensionRepo(db, c),
	}
}

// DB returns the underlying database.
func (s *Store) DB() *storage.DB {
	return s.db
}

// DeleteResource removes all index rows of a resource and returns the vector
// rows to delete.
func (s *Store) DeleteResource(ctx context.Context, resourceID string) ([]VectorRef, error) {
	var refs []VectorRef
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		refs, err = s.DeleteResourceTx(ctx, tx, resourceID)
		return err
	})
	return refs, err
}

// DeleteResourceTx removes segments, units and state rows of a resource in
// the caller's transaction.
func (s *Store) DeleteResourceTx(ctx context.Context, q storage.Querier, resourceID string) ([]VectorRef, error) {
	refs, err := s.Segments.DeleteByResourceTx(ctx, q, resourceID)
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM index_units WHERE resource_id = ?", resourceID); err != nil {
		return nil, vfserr.Database("index.delete_resource", err)
	}
	if err := s.States.DeleteTx(ctx, q, resourceID); err != nil {
		return nil, err
	}
	return refs, nil
}

// Coverage counts indexed content.
type Coverage struct {
	Units            int `json:"units"`
	UnitsNeedReindex int `json:"units_need_reindex"`
	Segments         int `json:"segments"`
	Resources        int `json:"resources"`
}

// Coverage returns unit and segment totals.
func (s *Store) Coverage(ctx context.Context) (*Coverage, error) {
	var c Coverage
	err := s.db.Reader().QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM index_units),
		(SELECT COUNT(*) FROM index_units WHERE needs_reindex = 1),
		(SELECT COUNT(*) FROM index_segments),
		(SELECT COUNT(DISTINCT resource_id) FROM index_units)`).
		Scan(&c.Units, &c.UnitsNeedReindex, &c.Segments, &c.Resources)
	if err != nil {
		return nil, vfserr.Database("index.coverage", err)
	}
	return &c, nil
}

// SegmentTexts returns the content text of every segment, for token
// statistics.
func (s *Store) SegmentTexts(ctx context.Context, modality Modality) ([]string, error) {
	rows, err := s.db.Reader().QueryContext(ctx, "SELECT content_text FROM index_segments WHERE modality = ?", string(modality))
	if err != nil {
		return nil, vfserr.Database("index.segment_texts", err)
	}
	return scanStrings(rows)
}
