package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
)

// SQLiteStore keeps vectors in a dedicated SQLite file and searches by
// exact cosine scan. Suitable for personal-scale collections.
type SQLiteStore struct {
	db *sql.DB
	// single writer per table
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the vector database at path.
// Pass ":memory:" for a private in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	poolSize := 1
	if path != ":memory:" {
		q := url.Values{}
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
		q.Set("_busy_timeout", "3000")
		q.Set("_txlock", "immediate")
		dsn = "file:" + path + "?" + q.Encode()
		poolSize = 4
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// EnsureTable creates the vector table for (modality, dim).
func (s *SQLiteStore) EnsureTable(ctx context.Context, modality index.Modality, dim int) (string, error) {
	if err := validateDim(dim); err != nil {
		return "", err
	}
	table := index.TableName(modality, dim)
	if err := validateTable(table); err != nil {
		return "", err
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		vector_row_id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		segment_index INTEGER NOT NULL,
		vector BLOB NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}'
	)`, table)
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_resource ON %s(resource_id)`, table, table)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("failed to create vector table %s: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return "", fmt.Errorf("failed to index vector table %s: %w", table, err)
	}
	return table, nil
}

// Upsert writes rows in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := validateTable(table); err != nil {
		return err
	}
	dim, err := s.tableDim(ctx, table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (vector_row_id, resource_id, unit_id, segment_index, vector, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vector_row_id) DO UPDATE SET
			resource_id = excluded.resource_id,
			unit_id = excluded.unit_id,
			segment_index = excluded.segment_index,
			vector = excluded.vector,
			payload = excluded.payload`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if dim > 0 && len(r.Vector) != dim {
			return fmt.Errorf("vector for %s has dimension %d, table %s expects %d", r.VectorRowID, len(r.Vector), table, dim)
		}
		payload := r.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", r.VectorRowID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.VectorRowID, r.ResourceID, r.UnitID, r.SegmentIndex, encodeVector(r.Vector), string(raw)); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", r.VectorRowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "vectors upserted", "table", table, "count", len(rows))
	return nil
}

// DeleteByIDs removes rows by vector_row_id. Missing tables are a no-op.
func (s *SQLiteStore) DeleteByIDs(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := validateTable(table); err != nil {
		return err
	}
	exists, err := s.tableExists(ctx, table)
	if err != nil || !exists {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := fmt.Sprintf(`DELETE FROM %s WHERE vector_row_id IN (%s)`, table, placeholders(len(chunk)))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to delete vectors from %s: %w", table, err)
		}
	}
	return nil
}

// DeleteByResource removes every row of resourceID from table.
func (s *SQLiteStore) DeleteByResource(ctx context.Context, table, resourceID string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	exists, err := s.tableExists(ctx, table)
	if err != nil || !exists {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource_id = ?`, table), resourceID); err != nil {
		return fmt.Errorf("failed to delete vectors of %s from %s: %w", resourceID, table, err)
	}
	return nil
}

// Search scans table and returns the topK rows by cosine similarity.
func (s *SQLiteStore) Search(ctx context.Context, table string, query []float32, topKN int, filter *Filter) ([]Hit, error) {
	if topKN <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}
	if err := validateTable(table); err != nil {
		return nil, err
	}
	if filter != nil && filter.ResourceIDs != nil && len(filter.ResourceIDs) == 0 {
		return nil, nil
	}
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	q := fmt.Sprintf(`SELECT vector_row_id, resource_id, unit_id, segment_index, vector, payload FROM %s`, table)
	var args []any
	if filter != nil && len(filter.ResourceIDs) > 0 {
		q += fmt.Sprintf(` WHERE resource_id IN (%s)`, placeholders(len(filter.ResourceIDs)))
		for _, id := range filter.ResourceIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			h       Hit
			raw     []byte
			payload string
		)
		if err := rows.Scan(&h.VectorRowID, &h.ResourceID, &h.UnitID, &h.SegmentIndex, &raw, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			return nil, err
		}
		h.Score = cosine(query, vec)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &h.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of %s: %w", h.VectorRowID, err)
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return topK(hits, topKN), nil
}

// ListIDs returns every vector_row_id in table.
func (s *SQLiteStore) ListIDs(ctx context.Context, table string) ([]string, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	exists, err := s.tableExists(ctx, table)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT vector_row_id FROM %s ORDER BY vector_row_id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to list ids of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of rows in table, 0 if it does not exist.
func (s *SQLiteStore) Count(ctx context.Context, table string) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}
	exists, err := s.tableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Tables lists the vector tables present in the database.
func (s *SQLiteStore) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'vfs\_emb\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vector tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if validateTable(name) == nil {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

// DropTable removes table and its rows.
func (s *SQLiteStore) DropTable(ctx context.Context, table string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check vector table %s: %w", table, err)
	}
	return n > 0, nil
}

// tableDim parses the dimension from the table name.
func (s *SQLiteStore) tableDim(ctx context.Context, table string) (int, error) {
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("vector table %s does not exist", table)
	}
	return dimFromTable(table), nil
}

func dimFromTable(table string) int {
	i := strings.LastIndexByte(table, '_')
	n := 0
	for _, c := range table[i+1:] {
		n = n*10 + int(c-'0')
	}
	return n
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
