package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vfscore/internal/folder"
)

// FolderHandler exposes the folder tree.
type FolderHandler struct {
	folders *folder.Hierarchy
}

// NewFolderHandler creates a new FolderHandler.
func NewFolderHandler(folders *folder.Hierarchy) *FolderHandler {
	return &FolderHandler{folders: folders}
}

// FolderRequest is the body of POST /api/folders and PATCH /api/folders/{id}.
type FolderRequest struct {
	ParentID *string `json:"parent_id,omitempty"`
	Title    *string `json:"title,omitempty"`
	Color    *string `json:"color,omitempty"`
	Icon     *string `json:"icon,omitempty"`
}

// FolderMoveRequest is the body of PUT /api/folders/{id}/parent. A null
// parent moves the folder to the root.
type FolderMoveRequest struct {
	ParentID *string `json:"parent_id"`
}

// ListingResponse is a folder listing with the breadcrumb leading to it.
type ListingResponse struct {
	Folder    *folder.Folder  `json:"folder,omitempty"`
	Ancestors []folder.Folder `json:"ancestors"`
	Entries   []folder.Entry  `json:"entries"`
}

// Create handles POST /api/folders.
func (h *FolderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := folder.CreateInput{ParentID: req.ParentID, Color: req.Color, Icon: req.Icon}
	if req.Title != nil {
		in.Title = *req.Title
	}
	f, err := h.folders.CreateFolder(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, f)
}

// Update handles PATCH /api/folders/{id}.
func (h *FolderHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	f, err := h.folders.UpdateFolder(r.Context(), chi.URLParam(r, "id"), folder.UpdateInput{
		Title: req.Title,
		Color: req.Color,
		Icon:  req.Icon,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// Move handles PUT /api/folders/{id}/parent.
func (h *FolderHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req FolderMoveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	f, err := h.folders.MoveFolder(r.Context(), chi.URLParam(r, "id"), req.ParentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// Delete handles DELETE /api/folders/{id}?recursive=true.
func (h *FolderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.folders.DeleteFolder(r.Context(), chi.URLParam(r, "id"), queryBool(r, "recursive"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ListRoot handles GET /api/folders.
func (h *FolderHandler) ListRoot(w http.ResponseWriter, r *http.Request) {
	entries, err := h.folders.List(r.Context(), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ListingResponse{Ancestors: []folder.Folder{}, Entries: nonNil(entries)})
}

// Get handles GET /api/folders/{id}: the folder, its ancestors from the
// root, and its direct children.
func (h *FolderHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	f, err := h.folders.GetFolder(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ancestors, err := h.folders.Ancestors(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.folders.List(ctx, &id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ancestors == nil {
		ancestors = []folder.Folder{}
	}
	writeJSON(w, r, http.StatusOK, ListingResponse{Folder: f, Ancestors: ancestors, Entries: nonNil(entries)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
