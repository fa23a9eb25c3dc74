package handlers

import (
	"net/http"

	"vfscore/internal/contextutil"
	"vfscore/internal/service"
)

// MaintenanceHandler exposes maintenance mode and garbage collection.
type MaintenanceHandler struct {
	vfs *service.VFS
}

// NewMaintenanceHandler creates a new MaintenanceHandler.
func NewMaintenanceHandler(vfs *service.VFS) *MaintenanceHandler {
	return &MaintenanceHandler{vfs: vfs}
}

// MaintenanceResponse reports the maintenance flag after a transition.
type MaintenanceResponse struct {
	Maintenance bool `json:"maintenance"`
}

// Enter handles POST /api/maintenance/enter.
func (h *MaintenanceHandler) Enter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.vfs.EnterMaintenance(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "maintenance mode entered via API")
	writeJSON(w, r, http.StatusOK, MaintenanceResponse{Maintenance: true})
}

// Exit handles POST /api/maintenance/exit.
func (h *MaintenanceHandler) Exit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.vfs.ExitMaintenance(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "maintenance mode exited via API")
	writeJSON(w, r, http.StatusOK, MaintenanceResponse{Maintenance: false})
}

// Reconcile handles POST /api/maintenance/reconcile.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.vfs.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// Sweep handles POST /api/maintenance/sweep.
func (h *MaintenanceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.vfs.SweepBlobs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// Collect handles POST /api/maintenance/gc: reconcile followed by a sweep.
func (h *MaintenanceHandler) Collect(w http.ResponseWriter, r *http.Request) {
	report, err := h.vfs.CollectGarbage(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
