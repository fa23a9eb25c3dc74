package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// MindMapNode is one node of a mind-map tree.
type MindMapNode struct {
	Text     string        `json:"text"`
	Note     string        `json:"note,omitempty"`
	Children []MindMapNode `json:"children,omitempty"`
}

// MindMap stores its tree as JSON.
type MindMap struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Structure json.RawMessage `json:"structure"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

func (m *MindMap) ResourceID() string             { return m.ID }
func (m *MindMap) ResourceKind() ids.ResourceKind { return ids.KindMindMap }
func (m *MindMap) DisplayTitle() string           { return m.Title }
func (m *MindMap) LastUpdated() time.Time         { return m.UpdatedAt }
func (m *MindMap) BlobRefs() []string             { return nil }

// Root decodes the stored structure.
func (m *MindMap) Root() (*MindMapNode, error) {
	var root MindMapNode
	if len(m.Structure) == 0 {
		return &root, nil
	}
	if err := json.Unmarshal(m.Structure, &root); err != nil {
		return nil, vfserr.Serialization("mindmap.decode", err)
	}
	return &root, nil
}

// MindMapInput describes a new mind-map.
type MindMapInput struct {
	Title     string          `json:"title"`
	Structure json.RawMessage `json:"structure"`
}

// MindMapPatch updates a mind-map. Nil fields are left unchanged.
type MindMapPatch struct {
	Title     *string         `json:"title,omitempty"`
	Structure json.RawMessage `json:"structure,omitempty"`
}

func normalizeStructure(op string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, vfserr.Invalid(op, "", "structure is not valid JSON")
	}
	return raw, nil
}

// CreateMindMap inserts a mind-map.
func (s *Store) CreateMindMap(ctx context.Context, in MindMapInput, after ...TxFunc) (*MindMap, error) {
	structure, err := normalizeStructure("mindmap.create", in.Structure)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	m := &MindMap{
		ID:        ids.New(ids.KindMindMap),
		Title:     strings.TrimSpace(in.Title),
		Structure: structure,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO mindmaps (id, title, structure_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			m.ID, m.Title, string(m.Structure), storage.FormatTime(now), storage.FormatTime(now))
		if err != nil {
			return vfserr.Database("mindmap.create", err)
		}
		return s.afterWrite(ctx, tx, ids.KindMindMap, m.ID, after)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMindMap returns a mind-map, including soft-deleted ones.
func (s *Store) GetMindMap(ctx context.Context, id string) (*MindMap, error) {
	return getMindMap(ctx, s.db.Reader(), id)
}

func getMindMap(ctx context.Context, q storage.Querier, id string) (*MindMap, error) {
	var m MindMap
	var structure string
	var ts timestamps
	err := q.QueryRowContext(ctx,
		"SELECT id, title, structure_json, created_at, updated_at, deleted_at FROM mindmaps WHERE id = ?", id).
		Scan(&m.ID, &m.Title, &structure, &ts.createdAt, &ts.updatedAt, &ts.deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("mindmap.get", id)
	}
	if err != nil {
		return nil, vfserr.Database("mindmap.get", err)
	}
	m.Structure = json.RawMessage(structure)
	if m.CreatedAt, m.UpdatedAt, m.DeletedAt, err = ts.decode("mindmap.get"); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMindMap applies patch with optional optimistic concurrency.
func (s *Store) UpdateMindMap(ctx context.Context, id string, patch MindMapPatch, expected *time.Time) (*MindMap, error) {
	var structure json.RawMessage
	if patch.Structure != nil {
		var err error
		if structure, err = normalizeStructure("mindmap.update", patch.Structure); err != nil {
			return nil, err
		}
	}
	var out *MindMap
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, "mindmap.update", tables[ids.KindMindMap], id, expected); err != nil {
			return err
		}
		m, err := getMindMap(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			m.Title = strings.TrimSpace(*patch.Title)
		}
		if structure != nil {
			m.Structure = structure
		}
		m.UpdatedAt = s.clock.Now()
		if _, err := tx.ExecContext(ctx, "UPDATE mindmaps SET title = ?, structure_json = ?, updated_at = ? WHERE id = ?",
			m.Title, string(m.Structure), storage.FormatTime(m.UpdatedAt), id); err != nil {
			return vfserr.Database("mindmap.update", err)
		}
		out = m
		return s.afterWrite(ctx, tx, ids.KindMindMap, id, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
