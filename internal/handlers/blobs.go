package handlers

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"vfscore/internal/blob"
	"vfscore/internal/contextutil"
)

// BlobHandler serves content-addressed blobs read-only. Blobs are written
// through the resources that own them.
type BlobHandler struct {
	blobs *blob.Store
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(blobs *blob.Store) *BlobHandler {
	return &BlobHandler{blobs: blobs}
}

// Info handles GET /api/blobs/{hash}/info.
func (h *BlobHandler) Info(w http.ResponseWriter, r *http.Request) {
	b, err := h.blobs.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// Content handles GET /api/blobs/{hash}.
func (h *BlobHandler) Content(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := chi.URLParam(r, "hash")

	path, err := h.blobs.GetPath(ctx, hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.blobs.Get(ctx, hash)
	if err != nil {
		writeError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to open blob", "hash", hash, "error", err)
		http.Error(w, "failed to read blob", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if b.Mime != "" {
		w.Header().Set("Content-Type", b.Mime)
	}
	// Content never changes for a hash.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+hash+`"`)
	http.ServeContent(w, r, "", b.CreatedAt, f)
}
