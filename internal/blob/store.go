// Package blob implements the content-addressed, reference-counted byte store.
// Files live at <root>/<hh>/<sha256>; metadata rows live in the blobs table.
package blob

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vfscore/internal/clock"
	"vfscore/internal/contextutil"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

const lockStripes = 64

// Blob is one row of the blobs table.
type Blob struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	Mime        string    `json:"mime"`
	Extension   string    `json:"extension"`
	StoragePath string    `json:"storage_path"`
	RefCount    int64     `json:"ref_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Deleted    int   `json:"deleted"`
	BytesFreed int64 `json:"bytes_freed"`
}

// Store is the blob store. Put and Sweep on the same hash are serialized by a
// striped lock so a sweep can never remove a file a concurrent Put relies on.
type Store struct {
	db      *storage.DB
	root    string
	maxSize int64
	clock   clock.Clock
	locks   [lockStripes]sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize rejects blobs larger than n bytes. Zero disables the limit.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithClock overrides the clock used for created_at.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a Store rooted at root, creating the directory if needed.
func NewStore(db *storage.DB, root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, vfserr.IO("blob.new", fmt.Errorf("failed to create blob directory: %w", err))
	}
	s := &Store{db: db, root: root, clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the blob directory.
func (s *Store) Root() string {
	return s.root
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RelativePath returns the sharded path of hash relative to the blob root.
func RelativePath(hash string) string {
	return filepath.Join(hash[:2], hash)
}

// ValidHash reports whether hash looks like a hex SHA-256.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func (s *Store) absPath(hash string) string {
	return filepath.Join(s.root, RelativePath(hash))
}

func (s *Store) lockFor(hash string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return &s.locks[h.Sum32()%lockStripes]
}

// Put stores data and acquires one reference. Storing bytes that already
// exist increments ref_count and returns the existing row.
func (s *Store) Put(ctx context.Context, data []byte, mime, ext string) (*Blob, error) {
	var out *Blob
	_, err := s.Stage(ctx, data, mime, ext, func(staged Blob) error {
		return s.db.InTx(ctx, func(tx *sql.Tx) error {
			b, err := s.AcquireTx(ctx, tx, staged)
			if err != nil {
				return err
			}
			out = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "blob stored", "hash", out.Hash, "size", out.Size, "ref_count", out.RefCount)
	return out, nil
}

// Stage writes the file for data (if absent) and runs fn while holding the
// hash's stripe lock. fn normally acquires the reference inside the caller's
// transaction. The file is written before any row can point at it.
func (s *Store) Stage(ctx context.Context, data []byte, mime, ext string, fn func(staged Blob) error) (Blob, error) {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return Blob{}, vfserr.Invalid("blob.put", vfserr.CodeBlobTooLarge,
			fmt.Sprintf("blob of %d bytes exceeds limit of %d", len(data), s.maxSize))
	}

	hash := HashBytes(data)
	staged := Blob{
		Hash:        hash,
		Size:        int64(len(data)),
		Mime:        mime,
		Extension:   ext,
		StoragePath: RelativePath(hash),
		CreatedAt:   s.clock.Now(),
	}

	mu := s.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	if err := s.writeFile(hash, data); err != nil {
		return Blob{}, err
	}
	if fn != nil {
		if err := fn(staged); err != nil {
			return Blob{}, err
		}
	}
	return staged, nil
}

// writeFile materializes data at its sharded path via temp file, fsync and
// rename. An existing file of the same size is left alone.
func (s *Store) writeFile(hash string, data []byte) error {
	target := s.absPath(hash)

	if info, err := os.Stat(target); err == nil {
		if info.Size() != int64(len(data)) {
			return &vfserr.Error{Kind: vfserr.KindHashCollision, Code: vfserr.CodeHashCollision, Op: "blob.put", Key: hash,
				Message: fmt.Sprintf("existing file has %d bytes, new content has %d", info.Size(), len(data))}
		}
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return vfserr.IO("blob.put", err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vfserr.IO("blob.put", err)
	}

	tmp, err := os.CreateTemp(dir, hash+".tmp-*")
	if err != nil {
		return vfserr.IO("blob.put", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return vfserr.IO("blob.put", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return vfserr.IO("blob.put", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return vfserr.IO("blob.put", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return vfserr.IO("blob.put", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// AcquireTx inserts the row for staged or increments its ref_count, inside q.
func (s *Store) AcquireTx(ctx context.Context, q storage.Querier, staged Blob) (*Blob, error) {
	existing, err := s.getRow(ctx, q, staged.Hash)
	if err != nil && !vfserr.IsKind(err, vfserr.KindNotFound) {
		return nil, err
	}
	if existing != nil && existing.Size != staged.Size {
		return nil, &vfserr.Error{Kind: vfserr.KindHashCollision, Code: vfserr.CodeHashCollision, Op: "blob.acquire", Key: staged.Hash,
			Message: fmt.Sprintf("stored size %d differs from %d", existing.Size, staged.Size)}
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO blobs (hash, size, mime, extension, storage_path, ref_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (hash) DO UPDATE SET ref_count = ref_count + 1`,
		staged.Hash, staged.Size, staged.Mime, staged.Extension, staged.StoragePath, storage.FormatTime(staged.CreatedAt),
	)
	if err != nil {
		return nil, vfserr.Database("blob.acquire", err)
	}
	return s.getRow(ctx, q, staged.Hash)
}

// IncrefTx increments ref_count of an existing blob inside q.
func (s *Store) IncrefTx(ctx context.Context, q storage.Querier, hash string) error {
	res, err := q.ExecContext(ctx, "UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?", hash)
	if err != nil {
		return vfserr.Database("blob.incref", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vfserr.NotFound("blob.incref", hash)
	}
	return nil
}

// ReleaseTx decrements ref_count inside q, never below zero. Releasing a
// blob that is already at zero is logged as a refcount breach but not failed,
// so deletes of resources with drifted counts still succeed.
func (s *Store) ReleaseTx(ctx context.Context, q storage.Querier, hash string) error {
	res, err := q.ExecContext(ctx, "UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0", hash)
	if err != nil {
		return vfserr.Database("blob.decref", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "blob release without live reference",
			"hash", hash, "code", vfserr.CodeRefCount)
	}
	return nil
}

// Incref increments ref_count of an existing blob.
func (s *Store) Incref(ctx context.Context, hash string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		return s.IncrefTx(ctx, tx, hash)
	})
}

// Decref decrements ref_count, never below zero.
func (s *Store) Decref(ctx context.Context, hash string) error {
	if _, err := s.Get(ctx, hash); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		return s.ReleaseTx(ctx, tx, hash)
	})
}

// Get returns the metadata row for hash.
func (s *Store) Get(ctx context.Context, hash string) (*Blob, error) {
	return s.getRow(ctx, s.db.Reader(), hash)
}

func (s *Store) getRow(ctx context.Context, q storage.Querier, hash string) (*Blob, error) {
	var b Blob
	var createdAt string
	err := q.QueryRowContext(ctx,
		"SELECT hash, size, mime, extension, storage_path, ref_count, created_at FROM blobs WHERE hash = ?",
		hash,
	).Scan(&b.Hash, &b.Size, &b.Mime, &b.Extension, &b.StoragePath, &b.RefCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("blob.get", hash)
	}
	if err != nil {
		return nil, vfserr.Database("blob.get", err)
	}
	if b.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, vfserr.Serialization("blob.get", err)
	}
	return &b, nil
}

// GetPath returns the absolute file path of hash if both row and file exist.
func (s *Store) GetPath(ctx context.Context, hash string) (string, error) {
	if !ValidHash(hash) {
		return "", vfserr.Invalid("blob.get_path", "", "malformed hash")
	}
	if _, err := s.Get(ctx, hash); err != nil {
		return "", err
	}
	p := s.absPath(hash)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", vfserr.NotFound("blob.get_path", hash)
		}
		return "", vfserr.IO("blob.get_path", err)
	}
	return p, nil
}

// GetBytes returns the content of hash.
func (s *Store) GetBytes(ctx context.Context, hash string) ([]byte, error) {
	p, err := s.GetPath(ctx, hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, vfserr.IO("blob.get_bytes", err)
	}
	return data, nil
}

// Sweep deletes every blob whose ref_count is zero: row first, then file.
// A row that regains a reference between listing and deletion is kept.
func (s *Store) Sweep(ctx context.Context) (SweepReport, error) {
	logger := contextutil.LoggerFromContext(ctx)
	var report SweepReport

	candidates, err := s.zeroRefs(ctx)
	if err != nil {
		return report, err
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		deleted, err := s.sweepOne(ctx, c.Hash)
		if err != nil {
			return report, err
		}
		if deleted {
			report.Deleted++
			report.BytesFreed += c.Size
		}
	}

	if report.Deleted > 0 {
		logger.InfoContext(ctx, "blob sweep completed", "deleted", report.Deleted, "bytes_freed", report.BytesFreed)
	}
	return report, nil
}

func (s *Store) zeroRefs(ctx context.Context) ([]Blob, error) {
	rows, err := s.db.Reader().QueryContext(ctx, "SELECT hash, size FROM blobs WHERE ref_count = 0 ORDER BY hash")
	if err != nil {
		return nil, vfserr.Database("blob.sweep", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.Hash, &b.Size); err != nil {
			return nil, vfserr.Database("blob.sweep", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("blob.sweep", err)
	}
	return out, nil
}

func (s *Store) sweepOne(ctx context.Context, hash string) (bool, error) {
	mu := s.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.db.Writer()
	if err != nil {
		return false, err
	}
	res, err := w.ExecContext(ctx, "DELETE FROM blobs WHERE hash = ? AND ref_count = 0", hash)
	if err != nil {
		return false, vfserr.Database("blob.sweep", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := os.Remove(s.absPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, vfserr.IO("blob.sweep", err)
	}
	return true, nil
}

// Audit rewrites ref_count to match expected, the true reference counts
// computed from resource tables. Blobs absent from expected are set to zero.
// It returns the hashes whose count was repaired.
func (s *Store) Audit(ctx context.Context, expected map[string]int64) ([]string, error) {
	logger := contextutil.LoggerFromContext(ctx)

	rows, err := s.db.Reader().QueryContext(ctx, "SELECT hash, ref_count FROM blobs ORDER BY hash")
	if err != nil {
		return nil, vfserr.Database("blob.audit", err)
	}
	type drift struct {
		hash string
		want int64
	}
	var drifts []drift
	seen := make(map[string]struct{})
	for rows.Next() {
		var hash string
		var count int64
		if err := rows.Scan(&hash, &count); err != nil {
			_ = rows.Close()
			return nil, vfserr.Database("blob.audit", err)
		}
		seen[hash] = struct{}{}
		if want := expected[hash]; want != count {
			drifts = append(drifts, drift{hash: hash, want: want})
		}
	}
	iterErr := rows.Err()
	_ = rows.Close()
	if iterErr != nil {
		return nil, vfserr.Database("blob.audit", iterErr)
	}

	for hash, n := range expected {
		if _, ok := seen[hash]; !ok && n > 0 {
			logger.WarnContext(ctx, "resource references unknown blob", "hash", hash, "references", n, "code", vfserr.CodeRefCount)
		}
	}

	if len(drifts) == 0 {
		return nil, nil
	}

	repaired := make([]string, 0, len(drifts))
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, d := range drifts {
			if _, err := tx.ExecContext(ctx, "UPDATE blobs SET ref_count = ? WHERE hash = ?", d.want, d.hash); err != nil {
				return vfserr.Database("blob.audit", err)
			}
			repaired = append(repaired, d.hash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "blob refcount audit repaired drift", "repaired", len(repaired))
	return repaired, nil
}

// Verify lists blobs whose row exists but whose file is missing.
func (s *Store) Verify(ctx context.Context) ([]string, error) {
	rows, err := s.db.Reader().QueryContext(ctx, "SELECT hash FROM blobs ORDER BY hash")
	if err != nil {
		return nil, vfserr.Database("blob.verify", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var missing []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, vfserr.Database("blob.verify", err)
		}
		if _, err := os.Stat(s.absPath(hash)); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, hash)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("blob.verify", err)
	}
	return missing, nil
}
