// Package folder implements the generic folder tree and the folder_items
// relation that places typed resources into folders.
package folder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vfscore/internal/clock"
	"vfscore/internal/contextutil"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// maxWalk bounds recursive queries so a corrupted parent chain cannot loop.
const maxWalk = 64

// Folder is one row of the folders table.
type Folder struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Color     *string   `json:"color,omitempty"`
	Icon      *string   `json:"icon,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item places a resource in a folder.
type Item struct {
	FolderID  string           `json:"folder_id"`
	ItemType  ids.ResourceKind `json:"item_type"`
	ItemID    string           `json:"item_id"`
	CreatedAt time.Time        `json:"created_at"`
}

// Entry is one line of a folder listing: exactly one of Folder or Item is set.
type Entry struct {
	Folder *Folder `json:"folder,omitempty"`
	Item   *Item   `json:"item,omitempty"`
}

// Limits bounds the shape of the tree.
type Limits struct {
	MaxDepth int
	MaxCount int
}

// DefaultLimits returns depth 10 and 500 folders.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 10, MaxCount: 500}
}

// CreateInput describes a new folder.
type CreateInput struct {
	ParentID *string
	Title    string
	Color    *string
	Icon     *string
}

// UpdateInput patches folder display fields. Nil fields are left unchanged.
type UpdateInput struct {
	Title *string
	Color *string
	Icon  *string
}

// DeleteResult reports what a delete removed. Items are returned so the
// caller can apply its own policy to the now-orphaned resources.
type DeleteResult struct {
	FolderIDs []string `json:"folder_ids"`
	Items     []Item   `json:"items"`
}

// ResourceChecker confirms that a resource exists before it is filed.
type ResourceChecker interface {
	Exists(ctx context.Context, kind ids.ResourceKind, id string) (bool, error)
}

// Hierarchy provides folder and folder item operations.
type Hierarchy struct {
	db      *storage.DB
	limits  Limits
	clock   clock.Clock
	checker ResourceChecker
}

// NewHierarchy creates a Hierarchy. checker may be nil.
func NewHierarchy(db *storage.DB, limits Limits, c clock.Clock, checker ResourceChecker) *Hierarchy {
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultLimits().MaxDepth
	}
	if limits.MaxCount <= 0 {
		limits.MaxCount = DefaultLimits().MaxCount
	}
	if c == nil {
		c = clock.System{}
	}
	return &Hierarchy{db: db, limits: limits, clock: c, checker: checker}
}

// SetChecker installs the resource existence checker.
func (h *Hierarchy) SetChecker(checker ResourceChecker) {
	h.checker = checker
}

// CreateFolder creates a folder under parent, or at the root when parent is nil.
func (h *Hierarchy) CreateFolder(ctx context.Context, in CreateInput) (*Folder, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, vfserr.Invalid("folder.create", "", "title is required")
	}

	now := h.clock.Now()
	f := &Folder{
		ID:        ids.New(ids.KindFolder),
		Title:     title,
		ParentID:  in.ParentID,
		Color:     in.Color,
		Icon:      in.Icon,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM folders").Scan(&count); err != nil {
			return vfserr.Database("folder.create", err)
		}
		if count >= h.limits.MaxCount {
			return vfserr.Invalid("folder.create", vfserr.CodeFolderCount,
				fmt.Sprintf("folder limit of %d reached", h.limits.MaxCount))
		}

		if in.ParentID != nil {
			depth, err := h.depthTx(ctx, tx, *in.ParentID)
			if err != nil {
				return err
			}
			if depth >= h.limits.MaxDepth {
				return vfserr.Invalid("folder.create", vfserr.CodeFolderDepth,
					fmt.Sprintf("parent is already at maximum depth %d", h.limits.MaxDepth))
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO folders (id, title, parent_id, color, icon, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.Title, in.ParentID, in.Color, in.Icon, storage.FormatTime(now), storage.FormatTime(now),
		)
		if err != nil {
			return vfserr.Database("folder.create", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "folder created", "folder_id", f.ID)
	return f, nil
}

// GetFolder returns a folder by id.
func (h *Hierarchy) GetFolder(ctx context.Context, id string) (*Folder, error) {
	return getFolder(ctx, h.db.Reader(), id)
}

func getFolder(ctx context.Context, q storage.Querier, id string) (*Folder, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, title, parent_id, color, icon, created_at, updated_at FROM folders WHERE id = ?", id)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfserr.NotFound("folder.get", id)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFolder(s scanner) (*Folder, error) {
	var f Folder
	var parent, color, icon sql.NullString
	var createdAt, updatedAt string
	if err := s.Scan(&f.ID, &f.Title, &parent, &color, &icon, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, vfserr.Database("folder.scan", err)
	}
	f.ParentID = nullable(parent)
	f.Color = nullable(color)
	f.Icon = nullable(icon)
	var err error
	if f.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, vfserr.Serialization("folder.scan", err)
	}
	if f.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, vfserr.Serialization("folder.scan", err)
	}
	return &f, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// UpdateFolder patches title, color and icon.
func (h *Hierarchy) UpdateFolder(ctx context.Context, id string, in UpdateInput) (*Folder, error) {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return nil, vfserr.Invalid("folder.update", "", "title must not be empty")
	}

	var out *Folder
	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		f, err := getFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if in.Title != nil {
			f.Title = strings.TrimSpace(*in.Title)
		}
		if in.Color != nil {
			f.Color = in.Color
		}
		if in.Icon != nil {
			f.Icon = in.Icon
		}
		f.UpdatedAt = h.clock.Now()
		_, err = tx.ExecContext(ctx,
			"UPDATE folders SET title = ?, color = ?, icon = ?, updated_at = ? WHERE id = ?",
			f.Title, f.Color, f.Icon, storage.FormatTime(f.UpdatedAt), id,
		)
		if err != nil {
			return vfserr.Database("folder.update", err)
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveFolder re-parents id under newParent, or to the root when newParent is
// nil. It rejects moves that would create a cycle or exceed the depth limit.
func (h *Hierarchy) MoveFolder(ctx context.Context, id string, newParent *string) (*Folder, error) {
	var out *Folder
	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		f, err := getFolder(ctx, tx, id)
		if err != nil {
			return err
		}

		parentDepth := 0
		if newParent != nil {
			if *newParent == id {
				return vfserr.Invalid("folder.move", vfserr.CodeFolderCycle, "a folder cannot be its own parent")
			}
			chain, err := h.ancestorIDsTx(ctx, tx, *newParent)
			if err != nil {
				return err
			}
			for _, ancestor := range chain {
				if ancestor == id {
					return vfserr.Invalid("folder.move", vfserr.CodeFolderCycle,
						fmt.Sprintf("moving %s under %s would create a cycle", id, *newParent))
				}
			}
			parentDepth = len(chain)
		}

		height, err := h.heightTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if parentDepth+height > h.limits.MaxDepth {
			return vfserr.Invalid("folder.move", vfserr.CodeFolderDepth,
				fmt.Sprintf("move would exceed maximum depth %d", h.limits.MaxDepth))
		}

		f.ParentID = newParent
		f.UpdatedAt = h.clock.Now()
		if _, err := tx.ExecContext(ctx, "UPDATE folders SET parent_id = ?, updated_at = ? WHERE id = ?",
			newParent, storage.FormatTime(f.UpdatedAt), id); err != nil {
			return vfserr.Database("folder.move", err)
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteFolder removes a folder. Without recursive it fails when the folder
// has children or items; with recursive it removes the whole subtree and its
// folder_items rows.
func (h *Hierarchy) DeleteFolder(ctx context.Context, id string, recursive bool) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := getFolder(ctx, tx, id); err != nil {
			return err
		}

		subtree, err := h.subtreeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		items, err := itemsInTx(ctx, tx, subtree)
		if err != nil {
			return err
		}

		if !recursive && (len(subtree) > 1 || len(items) > 0) {
			return vfserr.Invalid("folder.delete", vfserr.CodeFolderNotEmpty,
				fmt.Sprintf("folder %s is not empty", id))
		}

		placeholders, args := inClause(subtree)
		if _, err := tx.ExecContext(ctx, "DELETE FROM folder_items WHERE folder_id IN ("+placeholders+")", args...); err != nil {
			return vfserr.Database("folder.delete", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE id IN ("+placeholders+")", args...); err != nil {
			return vfserr.Database("folder.delete", err)
		}

		result.FolderIDs = subtree
		result.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "folder deleted",
		"folder_id", id, "folders", len(result.FolderIDs), "items", len(result.Items))
	return result, nil
}

// AddItem files a resource into a folder.
func (h *Hierarchy) AddItem(ctx context.Context, folderID string, itemType ids.ResourceKind, itemID string) (*Item, error) {
	if err := h.checkItem(ctx, itemType, itemID); err != nil {
		return nil, err
	}
	var out *Item
	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		item, err := h.AddItemTx(ctx, tx, folderID, itemType, itemID)
		out = item
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddItemTx is AddItem inside the caller's transaction. It does not consult
// the ResourceChecker, since the caller usually created the resource in the
// same transaction.
func (h *Hierarchy) AddItemTx(ctx context.Context, q storage.Querier, folderID string, itemType ids.ResourceKind, itemID string) (*Item, error) {
	if err := validateItemType(itemType, itemID); err != nil {
		return nil, err
	}
	if _, err := getFolder(ctx, q, folderID); err != nil {
		return nil, err
	}

	current, err := folderOf(ctx, q, itemType, itemID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if *current == folderID {
			return &Item{FolderID: folderID, ItemType: itemType, ItemID: itemID}, nil
		}
		return nil, vfserr.AlreadyExists("folder.add_item", itemID,
			fmt.Sprintf("%s is already in folder %s", itemID, *current))
	}

	now := h.clock.Now()
	if _, err := q.ExecContext(ctx,
		"INSERT INTO folder_items (folder_id, item_type, item_id, created_at) VALUES (?, ?, ?, ?)",
		folderID, string(itemType), itemID, storage.FormatTime(now),
	); err != nil {
		return nil, vfserr.Database("folder.add_item", err)
	}
	return &Item{FolderID: folderID, ItemType: itemType, ItemID: itemID, CreatedAt: now}, nil
}

func (h *Hierarchy) checkItem(ctx context.Context, itemType ids.ResourceKind, itemID string) error {
	if err := validateItemType(itemType, itemID); err != nil {
		return err
	}
	if h.checker == nil {
		return nil
	}
	ok, err := h.checker.Exists(ctx, itemType, itemID)
	if err != nil {
		return err
	}
	if !ok {
		return vfserr.NotFound("folder.add_item", itemID)
	}
	return nil
}

func validateItemType(itemType ids.ResourceKind, itemID string) error {
	if !itemType.Valid() || itemType == ids.KindFolder {
		return vfserr.Invalid("folder.add_item", vfserr.CodeItemTypeMismatch,
			fmt.Sprintf("item type %q cannot be filed", itemType))
	}
	kind, err := ids.KindOf(itemID)
	if err != nil || kind != itemType {
		return vfserr.Invalid("folder.add_item", vfserr.CodeItemTypeMismatch,
			fmt.Sprintf("item %s does not match type %s", itemID, itemType))
	}
	return nil
}

// RemoveItem unfiles a resource. Removing an unfiled item is a no-op.
func (h *Hierarchy) RemoveItem(ctx context.Context, itemType ids.ResourceKind, itemID string) error {
	w, err := h.db.Writer()
	if err != nil {
		return err
	}
	return RemoveItemTx(ctx, w, itemType, itemID)
}

// RemoveItemTx is RemoveItem inside the caller's transaction.
func RemoveItemTx(ctx context.Context, q storage.Querier, itemType ids.ResourceKind, itemID string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM folder_items WHERE item_type = ? AND item_id = ?",
		string(itemType), itemID); err != nil {
		return vfserr.Database("folder.remove_item", err)
	}
	return nil
}

// MoveItem moves a resource to folderID, filing it if it was unfiled.
func (h *Hierarchy) MoveItem(ctx context.Context, itemType ids.ResourceKind, itemID, folderID string) (*Item, error) {
	if err := h.checkItem(ctx, itemType, itemID); err != nil {
		return nil, err
	}
	var out *Item
	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := RemoveItemTx(ctx, tx, itemType, itemID); err != nil {
			return err
		}
		item, err := h.AddItemTx(ctx, tx, folderID, itemType, itemID)
		out = item
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FolderOf returns the folder holding the item, or nil when it is unfiled.
func (h *Hierarchy) FolderOf(ctx context.Context, itemType ids.ResourceKind, itemID string) (*string, error) {
	return folderOf(ctx, h.db.Reader(), itemType, itemID)
}

func folderOf(ctx context.Context, q storage.Querier, itemType ids.ResourceKind, itemID string) (*string, error) {
	var folderID string
	err := q.QueryRowContext(ctx, "SELECT folder_id FROM folder_items WHERE item_type = ? AND item_id = ?",
		string(itemType), itemID).Scan(&folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, vfserr.Database("folder.folder_of", err)
	}
	return &folderID, nil
}

// FolderOfIDs maps item ids to their folder for a batch of items.
func (h *Hierarchy) FolderOfIDs(ctx context.Context, itemIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	placeholders, args := inClause(itemIDs)
	rows, err := h.db.Reader().QueryContext(ctx,
		"SELECT item_id, folder_id FROM folder_items WHERE item_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, vfserr.Database("folder.folder_of", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var itemID, folderID string
		if err := rows.Scan(&itemID, &folderID); err != nil {
			return nil, vfserr.Database("folder.folder_of", err)
		}
		out[itemID] = folderID
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("folder.folder_of", err)
	}
	return out, nil
}

// List returns the child folders (by title) followed by the items (by filing
// time) of folderID, or the root folders when folderID is nil.
func (h *Hierarchy) List(ctx context.Context, folderID *string) ([]Entry, error) {
	q := h.db.Reader()
	if folderID != nil {
		if _, err := getFolder(ctx, q, *folderID); err != nil {
			return nil, err
		}
	}

	var rows *sql.Rows
	var err error
	if folderID == nil {
		rows, err = q.QueryContext(ctx,
			"SELECT id, title, parent_id, color, icon, created_at, updated_at FROM folders WHERE parent_id IS NULL ORDER BY title COLLATE NOCASE, id")
	} else {
		rows, err = q.QueryContext(ctx,
			"SELECT id, title, parent_id, color, icon, created_at, updated_at FROM folders WHERE parent_id = ? ORDER BY title COLLATE NOCASE, id", *folderID)
	}
	if err != nil {
		return nil, vfserr.Database("folder.list", err)
	}

	var entries []Entry
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		entries = append(entries, Entry{Folder: f})
	}
	iterErr := rows.Err()
	_ = rows.Close()
	if iterErr != nil {
		return nil, vfserr.Database("folder.list", iterErr)
	}

	if folderID == nil {
		return entries, nil
	}

	items, err := itemsInTx(ctx, q, []string{*folderID})
	if err != nil {
		return nil, err
	}
	for i := range items {
		entries = append(entries, Entry{Item: &items[i]})
	}
	return entries, nil
}

// Ancestors returns the path from the root down to id, inclusive.
func (h *Hierarchy) Ancestors(ctx context.Context, id string) ([]Folder, error) {
	chain, err := h.ancestorIDsTx(ctx, h.db.Reader(), id)
	if err != nil {
		return nil, err
	}
	out := make([]Folder, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		f, err := getFolder(ctx, h.db.Reader(), chain[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, nil
}

// Subtree returns id and all of its descendants.
func (h *Hierarchy) Subtree(ctx context.Context, id string) ([]string, error) {
	if _, err := getFolder(ctx, h.db.Reader(), id); err != nil {
		return nil, err
	}
	return h.subtreeTx(ctx, h.db.Reader(), id)
}

// SubtreeItems returns every item filed anywhere under id.
func (h *Hierarchy) SubtreeItems(ctx context.Context, id string) ([]Item, error) {
	subtree, err := h.Subtree(ctx, id)
	if err != nil {
		return nil, err
	}
	return itemsInTx(ctx, h.db.Reader(), subtree)
}

// Count returns the number of folders.
func (h *Hierarchy) Count(ctx context.Context) (int, error) {
	var n int
	if err := h.db.Reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM folders").Scan(&n); err != nil {
		return 0, vfserr.Database("folder.count", err)
	}
	return n, nil
}

// depthTx returns the depth of id, where a root folder has depth 1.
func (h *Hierarchy) depthTx(ctx context.Context, q storage.Querier, id string) (int, error) {
	chain, err := h.ancestorIDsTx(ctx, q, id)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// ancestorIDsTx returns id followed by its ancestors up to the root.
func (h *Hierarchy) ancestorIDsTx(ctx context.Context, q storage.Querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE chain(id, parent_id, depth) AS (
			SELECT id, parent_id, 1 FROM folders WHERE id = ?
			UNION ALL
			SELECT f.id, f.parent_id, c.depth + 1 FROM folders f JOIN chain c ON f.id = c.parent_id
			WHERE c.depth < ?
		)
		SELECT id FROM chain ORDER BY depth`, id, maxWalk)
	if err != nil {
		return nil, vfserr.Database("folder.ancestors", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var chain []string
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, vfserr.Database("folder.ancestors", err)
		}
		chain = append(chain, fid)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("folder.ancestors", err)
	}
	if len(chain) == 0 {
		return nil, vfserr.NotFound("folder.ancestors", id)
	}
	return chain, nil
}

// heightTx returns the number of levels in the subtree rooted at id.
func (h *Hierarchy) heightTx(ctx context.Context, q storage.Querier, id string) (int, error) {
	var height sql.NullInt64
	err := q.QueryRowContext(ctx, `
		WITH RECURSIVE sub(id, lvl) AS (
			SELECT id, 1 FROM folders WHERE id = ?
			UNION ALL
			SELECT f.id, s.lvl + 1 FROM folders f JOIN sub s ON f.parent_id = s.id
			WHERE s.lvl < ?
		)
		SELECT MAX(lvl) FROM sub`, id, maxWalk).Scan(&height)
	if err != nil {
		return 0, vfserr.Database("folder.height", err)
	}
	return int(height.Int64), nil
}

func (h *Hierarchy) subtreeTx(ctx context.Context, q storage.Querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE sub(id, lvl) AS (
			SELECT id, 1 FROM folders WHERE id = ?
			UNION ALL
			SELECT f.id, s.lvl + 1 FROM folders f JOIN sub s ON f.parent_id = s.id
			WHERE s.lvl < ?
		)
		SELECT id FROM sub ORDER BY lvl, id`, id, maxWalk)
	if err != nil {
		return nil, vfserr.Database("folder.subtree", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []string
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, vfserr.Database("folder.subtree", err)
		}
		out = append(out, fid)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("folder.subtree", err)
	}
	return out, nil
}

func itemsInTx(ctx context.Context, q storage.Querier, folderIDs []string) ([]Item, error) {
	if len(folderIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(folderIDs)
	rows, err := q.QueryContext(ctx,
		"SELECT folder_id, item_type, item_id, created_at FROM folder_items WHERE folder_id IN ("+placeholders+") ORDER BY created_at, item_id",
		args...)
	if err != nil {
		return nil, vfserr.Database("folder.items", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []Item
	for rows.Next() {
		var it Item
		var itemType, createdAt string
		if err := rows.Scan(&it.FolderID, &itemType, &it.ItemID, &createdAt); err != nil {
			return nil, vfserr.Database("folder.items", err)
		}
		it.ItemType = ids.ResourceKind(itemType)
		if it.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, vfserr.Serialization("folder.items", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("folder.items", err)
	}
	return items, nil
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}
