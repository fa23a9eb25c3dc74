package index

import (
	"context"
	"database/sql"
	"time"

	"vfscore/internal/clock"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Dimension registers one (modality, dimension) vector table.
type Dimension struct {
	Modality    Modality   `json:"modality"`
	Dimension   int        `json:"dimension"`
	TableName   string     `json:"table_name"`
	ModelID     string     `json:"model_id"`
	RecordCount int64      `json:"record_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// DimensionRepo persists embedding_dimensions.
type DimensionRepo struct {
	db    *storage.DB
	clock clock.Clock
}

// NewDimensionRepo creates a DimensionRepo.
func NewDimensionRepo(db *storage.DB, c clock.Clock) *DimensionRepo {
	return &DimensionRepo{db: db, clock: c}
}

// Register records (modality, dim) and returns its row. Registering an
// archived pair revives it.
func (r *DimensionRepo) Register(ctx context.Context, modality Modality, dim int, modelID string) (*Dimension, error) {
	if !modality.Valid() || dim <= 0 {
		return nil, vfserr.Invalid("dimension.register", "", "modality and a positive dimension are required")
	}
	w, err := r.db.Writer()
	if err != nil {
		return nil, err
	}
	_, err = w.ExecContext(ctx,
		`INSERT INTO embedding_dimensions (modality, dimension, table_name, model_id, record_count, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT (modality, dimension) DO UPDATE SET
			archived_at = NULL,
			model_id = CASE WHEN excluded.model_id != '' THEN excluded.model_id ELSE embedding_dimensions.model_id END`,
		string(modality), dim, TableName(modality, dim), modelID, storage.FormatTime(r.clock.Now()))
	if err != nil {
		return nil, vfserr.Database("dimension.register", err)
	}
	return r.Get(ctx, modality, dim)
}

// Get returns the registry row for (modality, dim).
func (r *DimensionRepo) Get(ctx context.Context, modality Modality, dim int) (*Dimension, error) {
	dims, err := r.list(ctx, "WHERE modality = ? AND dimension = ?", string(modality), dim)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 {
		return nil, vfserr.NotFound("dimension.get", TableName(modality, dim))
	}
	return &dims[0], nil
}

// List returns registered dimensions, optionally including archived ones.
func (r *DimensionRepo) List(ctx context.Context, includeArchived bool) ([]Dimension, error) {
	if includeArchived {
		return r.list(ctx, "")
	}
	return r.list(ctx, "WHERE archived_at IS NULL")
}

// ListByModality returns the live dimensions of one modality.
func (r *DimensionRepo) ListByModality(ctx context.Context, modality Modality) ([]Dimension, error) {
	return r.list(ctx, "WHERE archived_at IS NULL AND modality = ?", string(modality))
}

// RefreshCounts sets record_count from the segment registry.
func (r *DimensionRepo) RefreshCounts(ctx context.Context) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx,
		`UPDATE embedding_dimensions SET record_count =
			(SELECT COUNT(*) FROM index_segments s WHERE s.table_name = embedding_dimensions.table_name)`)
	if err != nil {
		return vfserr.Database("dimension.refresh_counts", err)
	}
	return nil
}

// Archive marks (modality, dim) as no longer in use.
func (r *DimensionRepo) Archive(ctx context.Context, modality Modality, dim int) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	res, err := w.ExecContext(ctx,
		"UPDATE embedding_dimensions SET archived_at = ? WHERE modality = ? AND dimension = ? AND archived_at IS NULL",
		storage.FormatTime(r.clock.Now()), string(modality), dim)
	if err != nil {
		return vfserr.Database("dimension.archive", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vfserr.NotFound("dimension.archive", TableName(modality, dim))
	}
	return nil
}

func (r *DimensionRepo) list(ctx context.Context, where string, args ...any) ([]Dimension, error) {
	rows, err := r.db.Reader().QueryContext(ctx,
		`SELECT modality, dimension, table_name, model_id, record_count, created_at, archived_at
		 FROM embedding_dimensions `+where+` ORDER BY modality, dimension`, args...)
	if err != nil {
		return nil, vfserr.Database("dimension.list", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Dimension
	for rows.Next() {
		var d Dimension
		var modality, createdAt string
		var archived sql.NullString
		if err := rows.Scan(&modality, &d.Dimension, &d.TableName, &d.ModelID, &d.RecordCount, &createdAt, &archived); err != nil {
			return nil, vfserr.Database("dimension.list", err)
		}
		d.Modality = Modality(modality)
		if d.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, vfserr.Serialization("dimension.list", err)
		}
		if d.ArchivedAt, err = storage.NullTime(archived); err != nil {
			return nil, vfserr.Serialization("dimension.list", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("dimension.list", err)
	}
	return out, nil
}
