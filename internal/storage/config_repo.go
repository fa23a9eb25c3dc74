package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vfscore/internal/vfserr"
)

// ConfigEntry is one memory_config row.
type ConfigEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// ConfigRepo is a small key/value store for runtime settings such as model
// assignments.
type ConfigRepo struct {
	db *DB
}

// NewConfigRepo creates a new ConfigRepo.
func NewConfigRepo(db *DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// Get returns the value for key, or a NotFound error.
func (r *ConfigRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.Reader().QueryRowContext(ctx, "SELECT value FROM memory_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vfserr.NotFound("config.get", key)
	}
	if err != nil {
		return "", vfserr.Database("config.get", err)
	}
	return value, nil
}

// Set upserts key.
func (r *ConfigRepo) Set(ctx context.Context, key, value string) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx,
		`INSERT INTO memory_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, FormatTime(nowUTC()),
	)
	if err != nil {
		return vfserr.Database("config.set", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (r *ConfigRepo) Delete(ctx context.Context, key string) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, "DELETE FROM memory_config WHERE key = ?", key); err != nil {
		return vfserr.Database("config.delete", err)
	}
	return nil
}

// All returns every entry ordered by key.
func (r *ConfigRepo) All(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := r.db.Reader().QueryContext(ctx, "SELECT key, value, updated_at FROM memory_config ORDER BY key")
	if err != nil {
		return nil, vfserr.Database("config.all", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Value, &updatedAt); err != nil {
			return nil, vfserr.Database("config.all", err)
		}
		if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, vfserr.Serialization("config.all", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("config.all", err)
	}
	return entries, nil
}
