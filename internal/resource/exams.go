package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// BBox locates a question on its page, in page-relative coordinates.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// QuestionCard is one recognised question on an exam page.
type QuestionCard struct {
	Label   string `json:"label"`
	OCRText string `json:"ocr_text"`
	BBox    *BBox  `json:"bbox,omitempty"`
}

// ExamPage groups the question cards found on one scanned page.
type ExamPage struct {
	Index int            `json:"index"`
	Cards []QuestionCard `json:"cards"`
}

// ExamPreview is the parsed layout of an exam scan.
type ExamPreview struct {
	Pages []ExamPage `json:"pages"`
}

// Exam is an exam scan with its recognised questions.
type Exam struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	BlobHash  *string      `json:"blob_hash,omitempty"`
	PageCount int          `json:"page_count"`
	Preview   *ExamPreview `json:"preview,omitempty"`
	OCRText   string       `json:"ocr_text"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
}

func (e *Exam) ResourceID() string             { return e.ID }
func (e *Exam) ResourceKind() ids.ResourceKind { return ids.KindExam }
func (e *Exam) DisplayTitle() string           { return e.Title }
func (e *Exam) LastUpdated() time.Time         { return e.UpdatedAt }

func (e *Exam) BlobRefs() []string {
	if e.BlobHash == nil {
		return nil
	}
	return []string{*e.BlobHash}
}

// ExamInput describes a new exam. The scan is optional.
type ExamInput struct {
	Title     string       `json:"title"`
	Data      []byte       `json:"-"`
	Mime      string       `json:"mime,omitempty"`
	PageCount int          `json:"page_count"`
	Preview   *ExamPreview `json:"preview,omitempty"`
	OCRText   string       `json:"ocr_text"`
}

// ExamPatch updates an exam. Nil fields are left unchanged.
type ExamPatch struct {
	Title   *string      `json:"title,omitempty"`
	Preview *ExamPreview `json:"preview,omitempty"`
	OCRText *string      `json:"ocr_text,omitempty"`
}

const examColumns = "id, title, blob_hash, page_count, preview_json, ocr_text, created_at, updated_at, deleted_at"

// CreateExam inserts an exam, storing the scan as a blob when given.
func (s *Store) CreateExam(ctx context.Context, in ExamInput, after ...TxFunc) (*Exam, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, vfserr.Invalid("exam.create", "", "title is required")
	}
	preview, err := encodePreview(in.Preview)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	e := &Exam{
		ID:        ids.New(ids.KindExam),
		Title:     title,
		PageCount: in.PageCount,
		Preview:   in.Preview,
		OCRText:   in.OCRText,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Preview != nil {
		e.PageCount = max(e.PageCount, len(in.Preview.Pages))
	}

	insert := func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO exams (id, title, blob_hash, page_count, preview_json, ocr_text, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			e.ID, e.Title, nullString(e.BlobHash), e.PageCount, preview, e.OCRText, storage.FormatTime(now), storage.FormatTime(now))
		if err != nil {
			return vfserr.Database("exam.create", err)
		}
		return s.afterWrite(ctx, tx, ids.KindExam, e.ID, after)
	}

	if in.Data != nil {
		_, err = s.blobs.Stage(ctx, in.Data, in.Mime, "", func(staged blob.Blob) error {
			return s.db.InTx(ctx, func(tx *sql.Tx) error {
				b, err := s.blobs.AcquireTx(ctx, tx, staged)
				if err != nil {
					return err
				}
				e.BlobHash = &b.Hash
				return insert(tx)
			})
		})
	} else {
		err = s.db.InTx(ctx, insert)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetExam returns an exam, including soft-deleted ones.
func (s *Store) GetExam(ctx context.Context, id string) (*Exam, error) {
	return getExam(ctx, s.db.Reader(), id)
}

func getExam(ctx context.Context, q storage.Querier, id string) (*Exam, error) {
	var e Exam
	var hash, preview, ocr sql.NullString
	var ts timestamps
	err := q.QueryRowContext(ctx, "SELECT "+examColumns+" FROM exams WHERE id = ?", id).
		Scan(&e.ID, &e.Title, &hash, &e.PageCount, &preview, &ocr, &ts.createdAt, &ts.updatedAt, &ts.deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("exam.get", id)
	}
	if err != nil {
		return nil, vfserr.Database("exam.get", err)
	}
	e.BlobHash = stringPtr(hash)
	e.OCRText = ocr.String
	if preview.Valid && preview.String != "" {
		var p ExamPreview
		if err := json.Unmarshal([]byte(preview.String), &p); err != nil {
			return nil, vfserr.Serialization("exam.get", err)
		}
		e.Preview = &p
	}
	if e.CreatedAt, e.UpdatedAt, e.DeletedAt, err = ts.decode("exam.get"); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExam applies patch with optional optimistic concurrency.
func (s *Store) UpdateExam(ctx context.Context, id string, patch ExamPatch, expected *time.Time) (*Exam, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, vfserr.Invalid("exam.update", "", "title must not be empty")
	}
	var out *Exam
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, "exam.update", tables[ids.KindExam], id, expected); err != nil {
			return err
		}
		e, err := getExam(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			e.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Preview != nil {
			e.Preview = patch.Preview
			e.PageCount = max(e.PageCount, len(patch.Preview.Pages))
		}
		if patch.OCRText != nil {
			e.OCRText = *patch.OCRText
		}
		preview, err := encodePreview(e.Preview)
		if err != nil {
			return err
		}
		e.UpdatedAt = s.clock.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE exams SET title = ?, page_count = ?, preview_json = ?, ocr_text = ?, updated_at = ? WHERE id = ?",
			e.Title, e.PageCount, preview, e.OCRText, storage.FormatTime(e.UpdatedAt), id,
		); err != nil {
			return vfserr.Database("exam.update", err)
		}
		out = e
		return s.afterWrite(ctx, tx, ids.KindExam, id, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodePreview(p *ExamPreview) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, vfserr.Serialization("exam.encode", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
