package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"vfscore/internal/contextutil"
	"vfscore/internal/vfserr"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// documentTable is the shared schema of blob-backed resource tables.
func documentTable(name string) string {
	return `CREATE TABLE IF NOT EXISTS ` + name + ` (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mime TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			blob_hash TEXT NOT NULL,
			extracted_text TEXT,
			ocr_json TEXT,
			page_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);`
}

var migrations = []migration{
	{
		version: 1,
		name:    "blobs_and_folders",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS blobs (
				hash TEXT PRIMARY KEY,
				size INTEGER NOT NULL,
				mime TEXT NOT NULL DEFAULT '',
				extension TEXT NOT NULL DEFAULT '',
				storage_path TEXT NOT NULL,
				ref_count INTEGER NOT NULL DEFAULT 0 CHECK (ref_count >= 0),
				created_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_blobs_ref_count ON blobs(ref_count) WHERE ref_count = 0;`,
			`CREATE TABLE IF NOT EXISTS folders (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				parent_id TEXT REFERENCES folders(id),
				color TEXT,
				icon TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);`,
			`CREATE TABLE IF NOT EXISTS folder_items (
				folder_id TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
				item_type TEXT NOT NULL,
				item_id TEXT NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY (item_type, item_id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_folder_items_folder ON folder_items(folder_id);`,
		},
	},
	{
		version: 2,
		name:    "resources",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS notes (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);`,
			documentTable("files"),
			documentTable("textbooks"),
			documentTable("attachments"),
			`CREATE TABLE IF NOT EXISTS translations (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				source_text TEXT NOT NULL,
				translated_text TEXT NOT NULL DEFAULT '',
				source_lang TEXT,
				target_lang TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS exams (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				blob_hash TEXT,
				page_count INTEGER NOT NULL DEFAULT 0,
				preview_json TEXT,
				ocr_text TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS essays (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				prompt TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS mindmaps (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				structure_json TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);`,
		},
	},
	{
		version: 3,
		name:    "index",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS index_units (
				id TEXT PRIMARY KEY,
				resource_id TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				unit_kind TEXT NOT NULL,
				ordinal INTEGER NOT NULL,
				text TEXT NOT NULL,
				metadata_json TEXT,
				content_hash TEXT NOT NULL,
				needs_reindex INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (resource_id, unit_kind, ordinal)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_index_units_resource ON index_units(resource_id);`,
			`CREATE TABLE IF NOT EXISTS index_segments (
				id TEXT PRIMARY KEY,
				unit_id TEXT NOT NULL REFERENCES index_units(id) ON DELETE CASCADE,
				resource_id TEXT NOT NULL,
				segment_index INTEGER NOT NULL,
				modality TEXT NOT NULL,
				embedding_dim INTEGER NOT NULL,
				table_name TEXT NOT NULL,
				vector_row_id TEXT NOT NULL UNIQUE,
				content_text TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				start_pos INTEGER,
				end_pos INTEGER,
				metadata_json TEXT,
				created_at TEXT NOT NULL,
				UNIQUE (unit_id, segment_index, modality, embedding_dim)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_index_segments_resource ON index_segments(resource_id);`,
			`CREATE INDEX IF NOT EXISTS idx_index_segments_table ON index_segments(table_name);`,
			`CREATE TABLE IF NOT EXISTS index_states (
				resource_id TEXT NOT NULL,
				modality TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				state TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_attempt_at TEXT,
				next_retry_at TEXT,
				worker_id TEXT,
				error TEXT,
				disabled_reason TEXT,
				segment_count INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (resource_id, modality)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_index_states_state ON index_states(modality, state);`,
			`CREATE TABLE IF NOT EXISTS embedding_dimensions (
				modality TEXT NOT NULL,
				dimension INTEGER NOT NULL,
				table_name TEXT NOT NULL,
				model_id TEXT NOT NULL DEFAULT '',
				record_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				archived_at TEXT,
				PRIMARY KEY (modality, dimension)
			);`,
		},
	},
	{
		version: 4,
		name:    "memory_config",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS memory_config (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`,
		},
	},
}

// LatestVersion is the schema version after all migrations are applied.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies pending migrations in order. Each migration runs in its own
// transaction and is recorded in schema_version. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	logger := contextutil.LoggerFromContext(ctx)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);`); err != nil {
		return vfserr.Database("storage.migrate", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.InfoContext(ctx, "applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return vfserr.Database("storage.migrate", err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return vfserr.Database("storage.migrate", fmt.Errorf("migration %d (%s): %w", m.version, m.name, err))
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, FormatTime(nowUTC()),
	); err != nil {
		_ = tx.Rollback()
		return vfserr.Database("storage.migrate", err)
	}
	if err := tx.Commit(); err != nil {
		return vfserr.Database("storage.migrate", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, 0 if none.
func SchemaVersion(ctx context.Context, q Querier) (int, error) {
	var version sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, vfserr.Database("storage.schema_version", err)
	}
	return int(version.Int64), nil
}

// ensureKeywordIndex creates the FTS5 mirror of index_segments when the
// SQLite build supports it. Without FTS5 the keyword search falls back to a
// LIKE prefilter scored in Go.
func ensureKeywordIndex(ctx context.Context, db *sql.DB) bool {
	logger := contextutil.LoggerFromContext(ctx)

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS index_segments_fts USING fts5(
			content_text,
			content='index_segments',
			content_rowid='rowid',
			tokenize='unicode61'
		);`,
		`CREATE TRIGGER IF NOT EXISTS index_segments_ai AFTER INSERT ON index_segments BEGIN
			INSERT INTO index_segments_fts(rowid, content_text) VALUES (new.rowid, new.content_text);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS index_segments_ad AFTER DELETE ON index_segments BEGIN
			INSERT INTO index_segments_fts(index_segments_fts, rowid, content_text) VALUES ('delete', old.rowid, old.content_text);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS index_segments_au AFTER UPDATE ON index_segments BEGIN
			INSERT INTO index_segments_fts(index_segments_fts, rowid, content_text) VALUES ('delete', old.rowid, old.content_text);
			INSERT INTO index_segments_fts(rowid, content_text) VALUES (new.rowid, new.content_text);
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "fts5") {
				logger.DebugContext(ctx, "fts5 unavailable, using fallback keyword scoring")
			} else {
				logger.WarnContext(ctx, "keyword index setup failed", "error", err)
			}
			return false
		}
	}

	// Backfill rows written while the index did not exist.
	if _, err := db.ExecContext(ctx, `INSERT INTO index_segments_fts(index_segments_fts) VALUES ('rebuild')`); err != nil {
		logger.WarnContext(ctx, "keyword index rebuild failed", "error", err)
	}
	return true
}
