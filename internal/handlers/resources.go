package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vfscore/internal/contextutil"
	"vfscore/internal/ids"
	"vfscore/internal/resource"
	"vfscore/internal/service"
	"vfscore/internal/vfserr"
)

// ResourceHandler exposes resource CRUD, deletion and filing.
type ResourceHandler struct {
	vfs *service.VFS
}

// NewResourceHandler creates a new ResourceHandler.
func NewResourceHandler(vfs *service.VFS) *ResourceHandler {
	return &ResourceHandler{vfs: vfs}
}

// CreateRequest is the body of POST /api/resources?kind=.... Input holds the
// kind-specific fields; Data carries the raw bytes of blob-backed kinds and
// is base64 encoded in JSON.
type CreateRequest struct {
	FolderID *string         `json:"folder_id,omitempty"`
	Input    json.RawMessage `json:"input"`
	Data     []byte          `json:"data,omitempty"`
}

// UpdateRequest is the body of PATCH /api/resources/{id}.
type UpdateRequest struct {
	// ExpectedUpdatedAt rejects the write with 409 when the stored row has
	// moved on since the client read it.
	ExpectedUpdatedAt *time.Time      `json:"expected_updated_at,omitempty"`
	Patch             json.RawMessage `json:"patch"`
	Data              []byte          `json:"data,omitempty"`
}

// MoveRequest is the body of PUT /api/resources/{id}/folder. A null folder
// unfiles the resource.
type MoveRequest struct {
	FolderID *string `json:"folder_id"`
}

// ListResponse wraps a resource listing.
type ListResponse struct {
	Resources []resource.Summary `json:"resources"`
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return vfserr.Invalid("http.decode", vfserr.CodeInvalidArgument, "input is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return vfserr.Invalid("http.decode", vfserr.CodeInvalidArgument, "invalid input: "+err.Error())
	}
	return nil
}

// Create handles POST /api/resources?kind=note.
func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, err := ids.ParseKind(r.URL.Query().Get("kind"))
	if err != nil || kind == ids.KindFolder {
		writeStatus(w, r, http.StatusBadRequest, vfserr.CodeInvalidArgument, "unknown resource kind")
		return
	}

	var req CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var out resource.Resource
	switch kind {
	case ids.KindNote:
		var in resource.NoteInput
		if err = decodeInput(req.Input, &in); err == nil {
			out, err = asResource(h.vfs.CreateNote(ctx, in, req.FolderID))
		}
	case ids.KindFile, ids.KindTextbook, ids.KindAttachment:
		var in resource.DocumentInput
		if err = decodeInput(req.Input, &in); err == nil {
			in.Data = req.Data
			out, err = asResource(h.vfs.CreateDocument(ctx, kind, in, req.FolderID))
		}
	case ids.KindEssay:
		var in resource.EssayInput
		if err = decodeInput(req.Input, &in); err == nil {
			out, err = asResource(h.vfs.CreateEssay(ctx, in, req.FolderID))
		}
	case ids.KindExam:
		var in resource.ExamInput
		if err = decodeInput(req.Input, &in); err == nil {
			in.Data = req.Data
			out, err = asResource(h.vfs.CreateExam(ctx, in, req.FolderID))
		}
	case ids.KindMindMap:
		var in resource.MindMapInput
		if err = decodeInput(req.Input, &in); err == nil {
			out, err = asResource(h.vfs.CreateMindMap(ctx, in, req.FolderID))
		}
	case ids.KindTranslation:
		var in resource.TranslationInput
		if err = decodeInput(req.Input, &in); err == nil {
			out, err = asResource(h.vfs.CreateTranslation(ctx, in, req.FolderID))
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "resource created", "resource_id", out.ResourceID(), "kind", kind)
	writeJSON(w, r, http.StatusCreated, out)
}

// Update handles PATCH /api/resources/{id}.
func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	kind, err := ids.KindOf(id)
	if err != nil || kind == ids.KindFolder {
		writeStatus(w, r, http.StatusBadRequest, vfserr.CodeInvalidArgument, "invalid resource id")
		return
	}

	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	expected := req.ExpectedUpdatedAt

	var out resource.Resource
	switch kind {
	case ids.KindNote:
		var p resource.NotePatch
		if err = decodeInput(req.Patch, &p); err == nil {
			out, err = asResource(h.vfs.UpdateNote(ctx, id, p, expected))
		}
	case ids.KindFile, ids.KindTextbook, ids.KindAttachment:
		var p resource.DocumentPatch
		if err = decodeInput(req.Patch, &p); err == nil {
			p.Data = req.Data
			out, err = asResource(h.vfs.UpdateDocument(ctx, id, p, expected))
		}
	case ids.KindEssay:
		var p resource.EssayPatch
		if err = decodeInput(req.Patch, &p); err == nil {
			out, err = asResource(h.vfs.UpdateEssay(ctx, id, p, expected))
		}
	case ids.KindExam:
		var p resource.ExamPatch
		if err = decodeInput(req.Patch, &p); err == nil {
			out, err = asResource(h.vfs.UpdateExam(ctx, id, p, expected))
		}
	case ids.KindMindMap:
		var p resource.MindMapPatch
		if err = decodeInput(req.Patch, &p); err == nil {
			out, err = asResource(h.vfs.UpdateMindMap(ctx, id, p, expected))
		}
	case ids.KindTranslation:
		var p resource.TranslationPatch
		if err = decodeInput(req.Patch, &p); err == nil {
			out, err = asResource(h.vfs.UpdateTranslation(ctx, id, p, expected))
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// asResource erases the concrete type while keeping a nil result nil.
func asResource[T resource.Resource](v T, err error) (resource.Resource, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Get handles GET /api/resources/{id}.
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.vfs.Resources().Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// List handles GET /api/resources?kind=note&q=...&include_deleted=true.
func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, err := ids.ParseKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if err != nil || kind == ids.KindFolder {
		writeStatus(w, r, http.StatusBadRequest, vfserr.CodeInvalidArgument, "kind must name a resource kind")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	list, err := h.vfs.Resources().List(r.Context(), kind, resource.ListOptions{
		Query:          r.URL.Query().Get("q"),
		IncludeDeleted: queryBool(r, "include_deleted"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []resource.Summary{}
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Resources: list})
}

// Delete handles DELETE /api/resources/{id}. With ?purge=true the row is
// removed permanently instead of soft-deleted.
func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var (
		res *service.DeleteResult
		err error
	)
	if queryBool(r, "purge") {
		res, err = h.vfs.Purge(ctx, id)
	} else {
		res, err = h.vfs.Delete(ctx, id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Restore handles POST /api/resources/{id}/restore.
func (h *ResourceHandler) Restore(w http.ResponseWriter, r *http.Request) {
	if err := h.vfs.Restore(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles PUT /api/resources/{id}/folder.
func (h *ResourceHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.vfs.Move(r.Context(), chi.URLParam(r, "id"), req.FolderID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
