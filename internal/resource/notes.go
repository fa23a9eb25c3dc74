package resource

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Note is a markdown note stored inline.
type Note struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (n *Note) ResourceID() string             { return n.ID }
func (n *Note) ResourceKind() ids.ResourceKind { return ids.KindNote }
func (n *Note) DisplayTitle() string           { return n.Title }
func (n *Note) LastUpdated() time.Time         { return n.UpdatedAt }
func (n *Note) BlobRefs() []string             { return nil }

// NoteInput describes a new note.
type NoteInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NotePatch updates a note. Nil fields are left unchanged.
type NotePatch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

const noteColumns = "id, title, content, created_at, updated_at, deleted_at"

// CreateNote inserts a note.
func (s *Store) CreateNote(ctx context.Context, in NoteInput, after ...TxFunc) (*Note, error) {
	now := s.clock.Now()
	n := &Note{
		ID:        ids.New(ids.KindNote),
		Title:     strings.TrimSpace(in.Title),
		Content:   in.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO notes (id, title, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			n.ID, n.Title, n.Content, storage.FormatTime(now), storage.FormatTime(now))
		if err != nil {
			return vfserr.Database("note.create", err)
		}
		return s.afterWrite(ctx, tx, ids.KindNote, n.ID, after)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetNote returns a note, including soft-deleted ones.
func (s *Store) GetNote(ctx context.Context, id string) (*Note, error) {
	return getNote(ctx, s.db.Reader(), id)
}

func getNote(ctx context.Context, q storage.Querier, id string) (*Note, error) {
	row := q.QueryRowContext(ctx, "SELECT "+noteColumns+" FROM notes WHERE id = ?", id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("note.get", id)
	}
	return n, err
}

func scanNote(s scanner) (*Note, error) {
	var n Note
	var ts timestamps
	if err := s.Scan(&n.ID, &n.Title, &n.Content, &ts.createdAt, &ts.updatedAt, &ts.deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, vfserr.Database("note.scan", err)
	}
	var err error
	if n.CreatedAt, n.UpdatedAt, n.DeletedAt, err = ts.decode("note.scan"); err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateNote applies patch. When expected is set and differs from the stored
// updated_at, it fails with a conflict.
func (s *Store) UpdateNote(ctx context.Context, id string, patch NotePatch, expected *time.Time) (*Note, error) {
	var out *Note
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, "note.update", tables[ids.KindNote], id, expected); err != nil {
			return err
		}
		n, err := getNote(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			n.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Content != nil {
			n.Content = *patch.Content
		}
		n.UpdatedAt = s.clock.Now()

		if _, err := tx.ExecContext(ctx, "UPDATE notes SET title = ?, content = ?, updated_at = ? WHERE id = ?",
			n.Title, n.Content, storage.FormatTime(n.UpdatedAt), id); err != nil {
			return vfserr.Database("note.update", err)
		}
		out = n
		return s.afterWrite(ctx, tx, ids.KindNote, id, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
