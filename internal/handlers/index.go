package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
	"vfscore/internal/service"
	"vfscore/internal/vfserr"
)

// IndexHandler handles HTTP requests for the indexing pipeline.
type IndexHandler struct {
	vfs *service.VFS
}

// NewIndexHandler creates a new IndexHandler.
func NewIndexHandler(vfs *service.VFS) *IndexHandler {
	return &IndexHandler{vfs: vfs}
}

// IndexResponse represents the response from the rebuild endpoint.
type IndexResponse struct {
	Message string                 `json:"message"`
	Status  string                 `json:"status"`
	Result  *service.RebuildResult `json:"result"`
}

// DisableRequest is the body of POST /api/index/{id}/disable.
type DisableRequest struct {
	Modality index.Modality `json:"modality"`
	Reason   string         `json:"reason"`
}

func modalityParam(raw string) (index.Modality, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return index.ModalityText, nil
	}
	m, err := index.ParseModality(raw)
	if err != nil {
		return "", vfserr.Invalid("http.modality", vfserr.CodeInvalidArgument, "unknown modality "+raw)
	}
	return m, nil
}

// Rebuild handles POST /api/index/rebuild?resource_id=...&force=true.
//
// Resources are marked pending and picked up by the background workers, so
// the response is 202 Accepted. Without resource_id every live resource is
// scheduled.
func (h *IndexHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	resourceID := strings.TrimSpace(r.URL.Query().Get("resource_id"))
	force := queryBool(r, "force")
	if force {
		logger.InfoContext(ctx, "force re-indexing triggered via API", "resource_id", resourceID)
	} else {
		logger.InfoContext(ctx, "re-indexing triggered via API", "resource_id", resourceID)
	}

	res, err := h.vfs.RebuildIndex(ctx, resourceID, force)
	if err != nil {
		writeError(w, r, err)
		return
	}

	message := "Indexing scheduled. Check /api/index/status for progress."
	if force {
		message = "Force re-indexing scheduled (existing segments cleared). Check /api/index/status for progress."
	}
	writeJSON(w, r, http.StatusAccepted, IndexResponse{
		Message: message,
		Status:  "accepted",
		Result:  res,
	})
}

// Process handles POST /api/index/process?modality=text&limit=50. It drains
// pending work synchronously.
func (h *IndexHandler) Process(w http.ResponseWriter, r *http.Request) {
	m, err := modalityParam(r.URL.Query().Get("modality"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.vfs.BatchProcessPending(r.Context(), m, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// IndexNow handles POST /api/index/{id}?modality=text.
func (h *IndexHandler) IndexNow(w http.ResponseWriter, r *http.Request) {
	m, err := modalityParam(r.URL.Query().Get("modality"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.vfs.IndexNow(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Disable handles POST /api/index/{id}/disable.
func (h *IndexHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req DisableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := modalityParam(string(req.Modality))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.vfs.Disable(r.Context(), chi.URLParam(r, "id"), m, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /api/index/status.
func (h *IndexHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.vfs.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
