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

// Translation pairs a source text with its translation.
type Translation struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	SourceText     string     `json:"source_text"`
	TranslatedText string     `json:"translated_text"`
	SourceLang     *string    `json:"source_lang,omitempty"`
	TargetLang     *string    `json:"target_lang,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

func (t *Translation) ResourceID() string             { return t.ID }
func (t *Translation) ResourceKind() ids.ResourceKind { return ids.KindTranslation }
func (t *Translation) LastUpdated() time.Time         { return t.UpdatedAt }
func (t *Translation) BlobRefs() []string             { return nil }

// DisplayTitle falls back to the start of the source text.
func (t *Translation) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	r := []rune(strings.TrimSpace(t.SourceText))
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return string(r)
}

// TranslationInput describes a new translation.
type TranslationInput struct {
	Title          string  `json:"title"`
	SourceText     string  `json:"source_text"`
	TranslatedText string  `json:"translated_text"`
	SourceLang     *string `json:"source_lang,omitempty"`
	TargetLang     *string `json:"target_lang,omitempty"`
}

// TranslationPatch updates a translation. Nil fields are left unchanged.
type TranslationPatch struct {
	Title          *string `json:"title,omitempty"`
	SourceText     *string `json:"source_text,omitempty"`
	TranslatedText *string `json:"translated_text,omitempty"`
	SourceLang     *string `json:"source_lang,omitempty"`
	TargetLang     *string `json:"target_lang,omitempty"`
}

const translationColumns = "id, title, source_text, translated_text, source_lang, target_lang, created_at, updated_at, deleted_at"

// CreateTranslation inserts a translation.
func (s *Store) CreateTranslation(ctx context.Context, in TranslationInput, after ...TxFunc) (*Translation, error) {
	if strings.TrimSpace(in.SourceText) == "" {
		return nil, vfserr.Invalid("translation.create", "", "source_text is required")
	}
	now := s.clock.Now()
	t := &Translation{
		ID:             ids.New(ids.KindTranslation),
		Title:          strings.TrimSpace(in.Title),
		SourceText:     in.SourceText,
		TranslatedText: in.TranslatedText,
		SourceLang:     in.SourceLang,
		TargetLang:     in.TargetLang,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO translations (id, title, source_text, translated_text, source_lang, target_lang, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			t.ID, t.Title, t.SourceText, t.TranslatedText, nullString(t.SourceLang), nullString(t.TargetLang),
			storage.FormatTime(now), storage.FormatTime(now))
		if err != nil {
			return vfserr.Database("translation.create", err)
		}
		return s.afterWrite(ctx, tx, ids.KindTranslation, t.ID, after)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTranslation returns a translation, including soft-deleted ones.
func (s *Store) GetTranslation(ctx context.Context, id string) (*Translation, error) {
	return getTranslation(ctx, s.db.Reader(), id)
}

func getTranslation(ctx context.Context, q storage.Querier, id string) (*Translation, error) {
	var t Translation
	var srcLang, tgtLang sql.NullString
	var ts timestamps
	err := q.QueryRowContext(ctx, "SELECT "+translationColumns+" FROM translations WHERE id = ?", id).
		Scan(&t.ID, &t.Title, &t.SourceText, &t.TranslatedText, &srcLang, &tgtLang, &ts.createdAt, &ts.updatedAt, &ts.deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("translation.get", id)
	}
	if err != nil {
		return nil, vfserr.Database("translation.get", err)
	}
	t.SourceLang, t.TargetLang = stringPtr(srcLang), stringPtr(tgtLang)
	if t.CreatedAt, t.UpdatedAt, t.DeletedAt, err = ts.decode("translation.get"); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTranslation applies patch with optional optimistic concurrency.
func (s *Store) UpdateTranslation(ctx context.Context, id string, patch TranslationPatch, expected *time.Time) (*Translation, error) {
	if patch.SourceText != nil && strings.TrimSpace(*patch.SourceText) == "" {
		return nil, vfserr.Invalid("translation.update", "", "source_text must not be empty")
	}
	var out *Translation
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, "translation.update", tables[ids.KindTranslation], id, expected); err != nil {
			return err
		}
		t, err := getTranslation(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			t.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.SourceText != nil {
			t.SourceText = *patch.SourceText
		}
		if patch.TranslatedText != nil {
			t.TranslatedText = *patch.TranslatedText
		}
		if patch.SourceLang != nil {
			t.SourceLang = patch.SourceLang
		}
		if patch.TargetLang != nil {
			t.TargetLang = patch.TargetLang
		}
		t.UpdatedAt = s.clock.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE translations SET title = ?, source_text = ?, translated_text = ?, source_lang = ?, target_lang = ?, updated_at = ? WHERE id = ?",
			t.Title, t.SourceText, t.TranslatedText, nullString(t.SourceLang), nullString(t.TargetLang), storage.FormatTime(t.UpdatedAt), id,
		); err != nil {
			return vfserr.Database("translation.update", err)
		}
		out = t
		return s.afterWrite(ctx, tx, ids.KindTranslation, id, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
