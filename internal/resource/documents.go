package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// Page is the OCR text of one document page.
type Page struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Document is a blob-backed file, textbook or attachment.
type Document struct {
	ID            string           `json:"id"`
	Kind          ids.ResourceKind `json:"kind"`
	Name          string           `json:"name"`
	Mime          string           `json:"mime"`
	Size          int64            `json:"size"`
	BlobHash      string           `json:"blob_hash"`
	ExtractedText *string          `json:"extracted_text,omitempty"`
	Pages         []Page           `json:"pages,omitempty"`
	PageCount     int              `json:"page_count"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeletedAt     *time.Time       `json:"deleted_at,omitempty"`
}

func (d *Document) ResourceID() string             { return d.ID }
func (d *Document) ResourceKind() ids.ResourceKind { return d.Kind }
func (d *Document) DisplayTitle() string           { return d.Name }
func (d *Document) LastUpdated() time.Time         { return d.UpdatedAt }
func (d *Document) BlobRefs() []string             { return []string{d.BlobHash} }

// DocumentInput describes a new document. Either Data is stored as a new
// blob, or BlobHash references an existing one.
type DocumentInput struct {
	Name          string  `json:"name"`
	Mime          string  `json:"mime"`
	Extension     string  `json:"extension"`
	Data          []byte  `json:"-"`
	BlobHash      string  `json:"blob_hash,omitempty"`
	ExtractedText *string `json:"extracted_text,omitempty"`
	Pages         []Page  `json:"pages,omitempty"`
	PageCount     int     `json:"page_count,omitempty"`
}

// DocumentPatch updates a document. Nil fields are left unchanged; Data
// replaces the underlying blob.
type DocumentPatch struct {
	Name          *string `json:"name,omitempty"`
	ExtractedText *string `json:"extracted_text,omitempty"`
	Pages         []Page  `json:"pages,omitempty"`
	Data          []byte  `json:"-"`
	Mime          *string `json:"mime,omitempty"`
}

const documentColumns = "id, name, mime, size, blob_hash, extracted_text, ocr_json, page_count, created_at, updated_at, deleted_at"

func documentTable(op string, kind ids.ResourceKind) (tableInfo, error) {
	switch kind {
	case ids.KindFile, ids.KindTextbook, ids.KindAttachment:
		return tables[kind], nil
	default:
		return tableInfo{}, vfserr.Invalid(op, "", fmt.Sprintf("%s is not a document kind", kind))
	}
}

// CreateDocument inserts a document of the given kind and acquires its blob
// reference in the same transaction.
func (s *Store) CreateDocument(ctx context.Context, kind ids.ResourceKind, in DocumentInput, after ...TxFunc) (*Document, error) {
	info, err := documentTable("document.create", kind)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, vfserr.Invalid("document.create", "", "name is required")
	}
	if in.Data == nil && in.BlobHash == "" {
		return nil, vfserr.Invalid("document.create", "", "either data or blob_hash is required")
	}

	now := s.clock.Now()
	d := &Document{
		ID:            ids.New(kind),
		Kind:          kind,
		Name:          name,
		Mime:          in.Mime,
		ExtractedText: in.ExtractedText,
		Pages:         in.Pages,
		PageCount:     max(in.PageCount, len(in.Pages)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ocr, err := encodePages(in.Pages)
	if err != nil {
		return nil, err
	}

	insert := func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+info.table+" (id, name, mime, size, blob_hash, extracted_text, ocr_json, page_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			d.ID, d.Name, d.Mime, d.Size, d.BlobHash, nullString(d.ExtractedText), ocr, d.PageCount,
			storage.FormatTime(now), storage.FormatTime(now))
		if err != nil {
			return vfserr.Database("document.create", err)
		}
		return s.afterWrite(ctx, tx, kind, d.ID, after)
	}

	if in.Data != nil {
		_, err = s.blobs.Stage(ctx, in.Data, in.Mime, in.Extension, func(staged blob.Blob) error {
			return s.db.InTx(ctx, func(tx *sql.Tx) error {
				b, err := s.blobs.AcquireTx(ctx, tx, staged)
				if err != nil {
					return err
				}
				d.BlobHash, d.Size = b.Hash, b.Size
				return insert(tx)
			})
		})
	} else {
		err = s.db.InTx(ctx, func(tx *sql.Tx) error {
			if err := s.blobs.IncrefTx(ctx, tx, in.BlobHash); err != nil {
				return err
			}
			var size int64
			if err := tx.QueryRowContext(ctx, "SELECT size FROM blobs WHERE hash = ?", in.BlobHash).Scan(&size); err != nil {
				return vfserr.Database("document.create", err)
			}
			d.BlobHash, d.Size = in.BlobHash, size
			return insert(tx)
		})
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDocument returns a document, including soft-deleted ones.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	return getDocument(ctx, s.db.Reader(), id)
}

func getDocument(ctx context.Context, q storage.Querier, id string) (*Document, error) {
	kind, err := ids.KindOf(id)
	if err != nil {
		return nil, vfserr.Invalid("document.get", "", err.Error())
	}
	info, err := documentTable("document.get", kind)
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM "+info.table+" WHERE id = ?", id)
	d, err := scanDocument(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("document.get", id)
	}
	return d, err
}

func scanDocument(s scanner, kind ids.ResourceKind) (*Document, error) {
	d := Document{Kind: kind}
	var extracted, ocr sql.NullString
	var ts timestamps
	if err := s.Scan(&d.ID, &d.Name, &d.Mime, &d.Size, &d.BlobHash, &extracted, &ocr, &d.PageCount,
		&ts.createdAt, &ts.updatedAt, &ts.deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, vfserr.Database("document.scan", err)
	}
	d.ExtractedText = stringPtr(extracted)
	if ocr.Valid && ocr.String != "" {
		if err := json.Unmarshal([]byte(ocr.String), &d.Pages); err != nil {
			return nil, vfserr.Serialization("document.scan", err)
		}
	}
	var err error
	if d.CreatedAt, d.UpdatedAt, d.DeletedAt, err = ts.decode("document.scan"); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDocument applies patch. Replacing Data acquires the new blob and
// releases the old one in the same transaction.
func (s *Store) UpdateDocument(ctx context.Context, id string, patch DocumentPatch, expected *time.Time) (*Document, error) {
	kind, err := ids.KindOf(id)
	if err != nil {
		return nil, vfserr.Invalid("document.update", "", err.Error())
	}
	info, err := documentTable("document.update", kind)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, vfserr.Invalid("document.update", "", "name must not be empty")
	}

	var out *Document
	apply := func(tx *sql.Tx, staged *blob.Blob) error {
		if err := checkVersion(ctx, tx, "document.update", info, id, expected); err != nil {
			return err
		}
		d, err := getDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			d.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.ExtractedText != nil {
			d.ExtractedText = patch.ExtractedText
		}
		if patch.Pages != nil {
			d.Pages = patch.Pages
			d.PageCount = max(d.PageCount, len(patch.Pages))
		}
		if patch.Mime != nil {
			d.Mime = *patch.Mime
		}
		if staged != nil {
			b, err := s.blobs.AcquireTx(ctx, tx, *staged)
			if err != nil {
				return err
			}
			if err := s.blobs.ReleaseTx(ctx, tx, d.BlobHash); err != nil {
				return err
			}
			d.BlobHash, d.Size = b.Hash, b.Size
		}
		ocr, err := encodePages(d.Pages)
		if err != nil {
			return err
		}
		d.UpdatedAt = s.clock.Now()

		if _, err := tx.ExecContext(ctx,
			"UPDATE "+info.table+" SET name = ?, mime = ?, size = ?, blob_hash = ?, extracted_text = ?, ocr_json = ?, page_count = ?, updated_at = ? WHERE id = ?",
			d.Name, d.Mime, d.Size, d.BlobHash, nullString(d.ExtractedText), ocr, d.PageCount, storage.FormatTime(d.UpdatedAt), id,
		); err != nil {
			return vfserr.Database("document.update", err)
		}
		out = d
		return s.afterWrite(ctx, tx, kind, id, nil)
	}

	if patch.Data != nil {
		mime := ""
		if patch.Mime != nil {
			mime = *patch.Mime
		}
		_, err = s.blobs.Stage(ctx, patch.Data, mime, "", func(staged blob.Blob) error {
			return s.db.InTx(ctx, func(tx *sql.Tx) error {
				return apply(tx, &staged)
			})
		})
	} else {
		err = s.db.InTx(ctx, func(tx *sql.Tx) error {
			return apply(tx, nil)
		})
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodePages(pages []Page) (sql.NullString, error) {
	if len(pages) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(pages)
	if err != nil {
		return sql.NullString{}, vfserr.Serialization("document.encode", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
