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

// Essay is a writing prompt with the student's text.
type Essay struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Prompt    string     `json:"prompt"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (e *Essay) ResourceID() string             { return e.ID }
func (e *Essay) ResourceKind() ids.ResourceKind { return ids.KindEssay }
func (e *Essay) DisplayTitle() string           { return e.Title }
func (e *Essay) LastUpdated() time.Time         { return e.UpdatedAt }
func (e *Essay) BlobRefs() []string             { return nil }

// EssayInput describes a new essay.
type EssayInput struct {
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	Content string `json:"content"`
}

// EssayPatch updates an essay. Nil fields are left unchanged.
type EssayPatch struct {
	Title   *string `json:"title,omitempty"`
	Prompt  *string `json:"prompt,omitempty"`
	Content *string `json:"content,omitempty"`
}

// CreateEssay inserts an essay.
func (s *Store) CreateEssay(ctx context.Context, in EssayInput, after ...TxFunc) (*Essay, error) {
	now := s.clock.Now()
	e := &Essay{
		ID:        ids.New(ids.KindEssay),
		Title:     strings.TrimSpace(in.Title),
		Prompt:    in.Prompt,
		Content:   in.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO essays (id, title, prompt, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			e.ID, e.Title, e.Prompt, e.Content, storage.FormatTime(now), storage.FormatTime(now))
		if err != nil {
			return vfserr.Database("essay.create", err)
		}
		return s.afterWrite(ctx, tx, ids.KindEssay, e.ID, after)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEssay returns an essay, including soft-deleted ones.
func (s *Store) GetEssay(ctx context.Context, id string) (*Essay, error) {
	return getEssay(ctx, s.db.Reader(), id)
}

func getEssay(ctx context.Context, q storage.Querier, id string) (*Essay, error) {
	var e Essay
	var ts timestamps
	err := q.QueryRowContext(ctx,
		"SELECT id, title, prompt, content, created_at, updated_at, deleted_at FROM essays WHERE id = ?", id).
		Scan(&e.ID, &e.Title, &e.Prompt, &e.Content, &ts.createdAt, &ts.updatedAt, &ts.deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("essay.get", id)
	}
	if err != nil {
		return nil, vfserr.Database("essay.get", err)
	}
	if e.CreatedAt, e.UpdatedAt, e.DeletedAt, err = ts.decode("essay.get"); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEssay applies patch with optional optimistic concurrency.
func (s *Store) UpdateEssay(ctx context.Context, id string, patch EssayPatch, expected *time.Time) (*Essay, error) {
	var out *Essay
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, "essay.update", tables[ids.KindEssay], id, expected); err != nil {
			return err
		}
		e, err := getEssay(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			e.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Prompt != nil {
			e.Prompt = *patch.Prompt
		}
		if patch.Content != nil {
			e.Content = *patch.Content
		}
		e.UpdatedAt = s.clock.Now()
		if _, err := tx.ExecContext(ctx, "UPDATE essays SET title = ?, prompt = ?, content = ?, updated_at = ? WHERE id = ?",
			e.Title, e.Prompt, e.Content, storage.FormatTime(e.UpdatedAt), id); err != nil {
			return vfserr.Database("essay.update", err)
		}
		out = e
		return s.afterWrite(ctx, tx, ids.KindEssay, id, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
