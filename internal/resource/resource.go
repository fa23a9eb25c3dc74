// Package resource persists the typed resource tables (notes, documents,
// translations, exams, essays and mind-maps) and keeps blob reference counts
// in step with the rows that point at blobs.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/clock"
	"vfscore/internal/contextutil"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Resource is implemented by every typed row.
type Resource interface {
	ResourceID() string
	ResourceKind() ids.ResourceKind
	DisplayTitle() string
	LastUpdated() time.Time
	// BlobRefs lists the blob hashes the row holds a reference on.
	BlobRefs() []string
}

// ReindexHook is told about content changes inside the writing transaction.
type ReindexHook interface {
	MarkPendingTx(ctx context.Context, q storage.Querier, kind ids.ResourceKind, resourceID string) error
}

// TxFunc runs extra work in the transaction that wrote resource id.
type TxFunc func(ctx context.Context, q storage.Querier, id string) error

type tableInfo struct {
	table       string
	titleColumn string
	blobColumn  string
	// hardDelete marks user-transient kinds that skip soft deletion.
	hardDelete bool
}

var tables = map[ids.ResourceKind]tableInfo{
	ids.KindNote:        {table: "notes", titleColumn: "title"},
	ids.KindFile:        {table: "files", titleColumn: "name", blobColumn: "blob_hash"},
	ids.KindTextbook:    {table: "textbooks", titleColumn: "name", blobColumn: "blob_hash"},
	ids.KindAttachment:  {table: "attachments", titleColumn: "name", blobColumn: "blob_hash", hardDelete: true},
	ids.KindTranslation: {table: "translations", titleColumn: "title"},
	ids.KindExam:        {table: "exams", titleColumn: "title", blobColumn: "blob_hash"},
	ids.KindEssay:       {table: "essays", titleColumn: "title"},
	ids.KindMindMap:     {table: "mindmaps", titleColumn: "title"},
}

func tableFor(op, id string) (ids.ResourceKind, tableInfo, error) {
	kind, err := ids.KindOf(id)
	if err != nil {
		return "", tableInfo{}, vfserr.Invalid(op, "", err.Error())
	}
	info, ok := tables[kind]
	if !ok {
		return "", tableInfo{}, vfserr.Invalid(op, "", fmt.Sprintf("%s is not a resource id", id))
	}
	return kind, info, nil
}

// Store reads and writes resource rows.
type Store struct {
	db    *storage.DB
	blobs *blob.Store
	clock clock.Clock
	hook  ReindexHook
}

// NewStore creates a Store. hook may be nil.
func NewStore(db *storage.DB, blobs *blob.Store, c clock.Clock, hook ReindexHook) *Store {
	if c == nil {
		c = clock.System{}
	}
	return &Store{db: db, blobs: blobs, clock: c, hook: hook}
}

// SetReindexHook installs the hook notified on content changes.
func (s *Store) SetReindexHook(hook ReindexHook) {
	s.hook = hook
}

// afterWrite notifies the reindex hook and runs caller work in q.
func (s *Store) afterWrite(ctx context.Context, q storage.Querier, kind ids.ResourceKind, id string, after []TxFunc) error {
	if s.hook != nil {
		if err := s.hook.MarkPendingTx(ctx, q, kind, id); err != nil {
			return err
		}
	}
	for _, fn := range after {
		if err := fn(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// checkVersion confirms the row exists, is live, and matches expected when
// given.
func checkVersion(ctx context.Context, q storage.Querier, op string, info tableInfo, id string, expected *time.Time) error {
	var updatedAt string
	var deletedAt sql.NullString
	err := q.QueryRowContext(ctx, "SELECT updated_at, deleted_at FROM "+info.table+" WHERE id = ?", id).
		Scan(&updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vfserr.NotFound(op, id)
	}
	if err != nil {
		return vfserr.Database(op, err)
	}
	if deletedAt.Valid {
		return vfserr.NotFound(op, id)
	}
	if expected == nil {
		return nil
	}
	stored, err := storage.ParseTime(updatedAt)
	if err != nil {
		return vfserr.Serialization(op, err)
	}
	if !stored.Equal(expected.UTC()) {
		return vfserr.Conflict(op, id, fmt.Sprintf("resource was modified at %s, expected %s",
			storage.FormatTime(stored), storage.FormatTime(*expected)))
	}
	return nil
}

// Delete removes a resource. Most kinds are soft deleted and keep their blob
// references so they can be restored; attachments are purged immediately.
// It reports whether the row was purged.
func (s *Store) Delete(ctx context.Context, id string, after ...TxFunc) (bool, error) {
	_, info, err := tableFor("resource.delete", id)
	if err != nil {
		return false, err
	}
	if info.hardDelete {
		return true, s.Purge(ctx, id, after...)
	}

	now := s.clock.Now()
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE "+info.table+" SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
			storage.FormatTime(now), storage.FormatTime(now), id)
		if err != nil {
			return vfserr.Database("resource.delete", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := s.mustExist(ctx, tx, "resource.delete", info, id); err != nil {
				return err
			}
		}
		for _, fn := range after {
			if err := fn(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "resource deleted", "resource_id", id)
	return false, nil
}

// Restore clears deleted_at and schedules the resource for reindexing.
func (s *Store) Restore(ctx context.Context, id string) error {
	kind, info, err := tableFor("resource.restore", id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE "+info.table+" SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NOT NULL",
			storage.FormatTime(now), id)
		if err != nil {
			return vfserr.Database("resource.restore", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := s.mustExist(ctx, tx, "resource.restore", info, id); err != nil {
				return err
			}
			return nil
		}
		return s.afterWrite(ctx, tx, kind, id, nil)
	})
}

// Purge hard-deletes the row and releases its blob references in one
// transaction.
func (s *Store) Purge(ctx context.Context, id string, after ...TxFunc) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.PurgeTx(ctx, tx, id); err != nil {
			return err
		}
		for _, fn := range after {
			if err := fn(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "resource purged", "resource_id", id)
	return nil
}

// PurgeTx is Purge inside the caller's transaction. It returns the released
// blob hashes.
func (s *Store) PurgeTx(ctx context.Context, q storage.Querier, id string) ([]string, error) {
	_, info, err := tableFor("resource.purge", id)
	if err != nil {
		return nil, err
	}

	var refs []string
	if info.blobColumn != "" {
		var hash sql.NullString
		err := q.QueryRowContext(ctx, "SELECT "+info.blobColumn+" FROM "+info.table+" WHERE id = ?", id).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vfserr.NotFound("resource.purge", id)
		}
		if err != nil {
			return nil, vfserr.Database("resource.purge", err)
		}
		if hash.Valid && hash.String != "" {
			refs = append(refs, hash.String)
		}
	}

	res, err := q.ExecContext(ctx, "DELETE FROM "+info.table+" WHERE id = ?", id)
	if err != nil {
		return nil, vfserr.Database("resource.purge", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, vfserr.NotFound("resource.purge", id)
	}

	for _, hash := range refs {
		if err := s.blobs.ReleaseTx(ctx, q, hash); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

func (s *Store) mustExist(ctx context.Context, q storage.Querier, op string, info tableInfo, id string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+info.table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return vfserr.NotFound(op, id)
	}
	if err != nil {
		return vfserr.Database(op, err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timestamps holds the lifecycle columns every resource table carries.
type timestamps struct {
	createdAt string
	updatedAt string
	deletedAt sql.NullString
}

func (ts *timestamps) decode(op string) (created, updated time.Time, deleted *time.Time, err error) {
	if created, err = storage.ParseTime(ts.createdAt); err != nil {
		return time.Time{}, time.Time{}, nil, vfserr.Serialization(op, err)
	}
	if updated, err = storage.ParseTime(ts.updatedAt); err != nil {
		return time.Time{}, time.Time{}, nil, vfserr.Serialization(op, err)
	}
	if deleted, err = storage.NullTime(ts.deletedAt); err != nil {
		return time.Time{}, time.Time{}, nil, vfserr.Serialization(op, err)
	}
	return created, updated, deleted, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
