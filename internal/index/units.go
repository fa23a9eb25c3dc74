package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vfscore/internal/clock"
	"vfscore/internal/contextutil"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Unit is the smallest user-visible retrieval hit.
type Unit struct {
	ID           string           `json:"id"`
	ResourceID   string           `json:"resource_id"`
	ResourceType ids.ResourceKind `json:"resource_type"`
	Kind         UnitKind         `json:"unit_kind"`
	Ordinal      int              `json:"ordinal"`
	Text         string           `json:"text"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	ContentHash  string           `json:"content_hash"`
	NeedsReindex bool             `json:"needs_reindex"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// UnitInput is one unit computed from a resource.
type UnitInput struct {
	Kind     UnitKind
	Ordinal  int
	Text     string
	Metadata map[string]any
}

// SyncResult summarises a unit sync.
type SyncResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	// Stale lists vector rows whose segments were removed by the sync.
	Stale []VectorRef `json:"-"`
}

// Changed reports whether the sync wrote anything.
func (r *SyncResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

// ContentHash is the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type unitKey struct {
	kind    UnitKind
	ordinal int
}

// UnitRepo persists index_units.
type UnitRepo struct {
	db    *storage.DB
	clock clock.Clock
}

// NewUnitRepo creates a UnitRepo.
func NewUnitRepo(db *storage.DB, c clock.Clock) *UnitRepo {
	return &UnitRepo{db: db, clock: c}
}

// Sync reconciles the stored units of a resource with inputs.
func (r *UnitRepo) Sync(ctx context.Context, resourceID string, kind ids.ResourceKind, inputs []UnitInput) (*SyncResult, error) {
	var result *SyncResult
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = r.SyncTx(ctx, tx, resourceID, kind, inputs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SyncTx diffs inputs against the stored units by (unit_kind, ordinal).
// New and text-changed units are flagged for reindexing and the segments of
// changed or removed units are deleted. Running it twice with the same inputs
// writes nothing the second time.
func (r *UnitRepo) SyncTx(ctx context.Context, q storage.Querier, resourceID string, kind ids.ResourceKind, inputs []UnitInput) (*SyncResult, error) {
	existing, err := listUnits(ctx, q, "WHERE resource_id = ?", resourceID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[unitKey]Unit, len(existing))
	for _, u := range existing {
		byKey[unitKey{u.Kind, u.Ordinal}] = u
	}

	result := &SyncResult{}
	now := storage.FormatTime(r.clock.Now())
	seen := make(map[unitKey]bool, len(inputs))

	for _, in := range inputs {
		key := unitKey{in.Kind, in.Ordinal}
		if seen[key] {
			return nil, vfserr.Invalid("unit.sync", "", fmt.Sprintf("duplicate unit %s/%d", in.Kind, in.Ordinal))
		}
		seen[key] = true

		meta, err := encodeMetadata(in.Metadata)
		if err != nil {
			return nil, err
		}
		hash := ContentHash(in.Text)
		old, ok := byKey[key]

		switch {
		case !ok:
			_, err := q.ExecContext(ctx,
				`INSERT INTO index_units (id, resource_id, resource_type, unit_kind, ordinal, text, metadata_json, content_hash, needs_reindex, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				ids.NewUnitID(), resourceID, string(kind), string(in.Kind), in.Ordinal, in.Text, meta, hash, now, now)
			if err != nil {
				return nil, vfserr.Database("unit.sync", err)
			}
			result.Inserted++

		case old.ContentHash != hash:
			stale, err := deleteSegmentsTx(ctx, q, "unit_id = ?", old.ID)
			if err != nil {
				return nil, err
			}
			result.Stale = append(result.Stale, stale...)
			if _, err := q.ExecContext(ctx,
				"UPDATE index_units SET text = ?, metadata_json = ?, content_hash = ?, needs_reindex = 1, updated_at = ? WHERE id = ?",
				in.Text, meta, hash, now, old.ID); err != nil {
				return nil, vfserr.Database("unit.sync", err)
			}
			result.Updated++

		default:
			oldMeta, err := encodeMetadata(old.Metadata)
			if err != nil {
				return nil, err
			}
			if oldMeta != meta {
				if _, err := q.ExecContext(ctx, "UPDATE index_units SET metadata_json = ?, updated_at = ? WHERE id = ?",
					meta, now, old.ID); err != nil {
					return nil, vfserr.Database("unit.sync", err)
				}
				result.Updated++
			} else {
				result.Unchanged++
			}
		}
	}

	for key, old := range byKey {
		if seen[key] {
			continue
		}
		stale, err := deleteSegmentsTx(ctx, q, "unit_id = ?", old.ID)
		if err != nil {
			return nil, err
		}
		result.Stale = append(result.Stale, stale...)
		if _, err := q.ExecContext(ctx, "DELETE FROM index_units WHERE id = ?", old.ID); err != nil {
			return nil, vfserr.Database("unit.sync", err)
		}
		result.Deleted++
	}

	if result.Changed() {
		contextutil.LoggerFromContext(ctx).DebugContext(ctx, "units synced",
			"resource_id", resourceID, "inserted", result.Inserted, "updated", result.Updated,
			"deleted", result.Deleted, "unchanged", result.Unchanged)
	}
	return result, nil
}

// ListByResource returns a resource's units ordered by kind and ordinal.
func (r *UnitRepo) ListByResource(ctx context.Context, resourceID string) ([]Unit, error) {
	return listUnits(ctx, r.db.Reader(), "WHERE resource_id = ?", resourceID)
}

// Get returns one unit.
func (r *UnitRepo) Get(ctx context.Context, id string) (*Unit, error) {
	units, err := listUnits(ctx, r.db.Reader(), "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, vfserr.NotFound("unit.get", id)
	}
	return &units[0], nil
}

// GetMany returns units keyed by id.
func (r *UnitRepo) GetMany(ctx context.Context, unitIDs []string) (map[string]Unit, error) {
	out := make(map[string]Unit, len(unitIDs))
	if len(unitIDs) == 0 {
		return out, nil
	}
	placeholders, args := inClause(unitIDs)
	units, err := listUnits(ctx, r.db.Reader(), "WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		out[u.ID] = u
	}
	return out, nil
}

// ClearReindexTx clears needs_reindex on the given units.
func (r *UnitRepo) ClearReindexTx(ctx context.Context, q storage.Querier, unitIDs []string) error {
	if len(unitIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(unitIDs)
	if _, err := q.ExecContext(ctx, "UPDATE index_units SET needs_reindex = 0 WHERE id IN ("+placeholders+")", args...); err != nil {
		return vfserr.Database("unit.clear_reindex", err)
	}
	return nil
}

// CountNeedingReindex counts units flagged for reindexing.
func (r *UnitRepo) CountNeedingReindex(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM index_units WHERE needs_reindex = 1").Scan(&n); err != nil {
		return 0, vfserr.Database("unit.count", err)
	}
	return n, nil
}

func listUnits(ctx context.Context, q storage.Querier, where string, args ...any) ([]Unit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, resource_id, resource_type, unit_kind, ordinal, text, metadata_json, content_hash, needs_reindex, created_at, updated_at
		 FROM index_units `+where+` ORDER BY unit_kind, ordinal`, args...)
	if err != nil {
		return nil, vfserr.Database("unit.list", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var units []Unit
	for rows.Next() {
		var u Unit
		var resourceType, unitKind, createdAt, updatedAt string
		var meta sql.NullString
		if err := rows.Scan(&u.ID, &u.ResourceID, &resourceType, &unitKind, &u.Ordinal, &u.Text, &meta,
			&u.ContentHash, &u.NeedsReindex, &createdAt, &updatedAt); err != nil {
			return nil, vfserr.Database("unit.list", err)
		}
		u.ResourceType = ids.ResourceKind(resourceType)
		u.Kind = UnitKind(unitKind)
		if u.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if u.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, vfserr.Serialization("unit.list", err)
		}
		if u.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
			return nil, vfserr.Serialization("unit.list", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("unit.list", err)
	}
	return units, nil
}

// encodeMetadata renders metadata as canonical JSON; encoding/json sorts map
// keys, so equal maps encode equally.
func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", vfserr.Serialization("index.metadata", err)
	}
	return string(data), nil
}

func decodeMetadata(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, vfserr.Serialization("index.metadata", err)
	}
	return m, nil
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	placeholders := make([]byte, 0, len(values)*2)
	for i := range values {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders), args
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
