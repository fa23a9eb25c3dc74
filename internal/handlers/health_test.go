package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"vfscore/internal/blob"
	"vfscore/internal/resource"
	"vfscore/internal/service/servicetest"
	"vfscore/internal/storage/storagetest"
	vectormocks "vfscore/internal/vectorstore/mocks"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name        string
		vectorErr   error
		maintenance bool
		wantStatus  int
		wantHealth  string
		wantIssues  []string
	}{
		{"healthy", nil, false, http.StatusOK, "healthy", nil},
		{"vector store down", errors.New("connection refused"), false, http.StatusServiceUnavailable, "unhealthy", []string{"vector_store_unavailable"}},
		{"maintenance", nil, true, http.StatusServiceUnavailable, "degraded", []string{"database_maintenance"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			vectors := vectormocks.NewMockVectorStore(ctrl)
			vectors.EXPECT().Tables(gomock.Any()).Return([]string{"vfs_emb_text_32"}, tt.vectorErr)

			db := storagetest.Open(t)
			if tt.maintenance {
				if err := db.EnterMaintenance(context.Background()); err != nil {
					t.Fatalf("EnterMaintenance() error = %v", err)
				}
				t.Cleanup(func() { _ = db.ExitMaintenance(context.Background()) })
			}

			h := NewHealthHandler(db, vectors)
			h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

			rec := do(t, http.MethodGet, "/api/health", "/api/health", nil, h.ServeHTTP)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			got := decodeBody[HealthResponse](t, rec)
			if got.Status != tt.wantHealth {
				t.Errorf("health = %q, want %q", got.Status, tt.wantHealth)
			}
			if got.Timestamp != "2026-01-02T03:04:05Z" {
				t.Errorf("timestamp = %q", got.Timestamp)
			}
			if strings.Join(got.Issues, ",") != strings.Join(tt.wantIssues, ",") {
				t.Errorf("issues = %v, want %v", got.Issues, tt.wantIssues)
			}
		})
	}
}

func TestNoteHandler(t *testing.T) {
	env := servicetest.New(t)
	h := NewNoteHandler(env.VFS)
	n := createNote(t, env, "Recipe", "# Bread\n\n- [x] flour\n- [ ] water\n\n~~yeast~~", nil)
	gone := createNote(t, env, "Old", "text", nil)
	if _, err := env.VFS.Delete(context.Background(), gone.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	env.VFS.Wait()

	tests := []struct {
		name       string
		id         string
		wantStatus int
		wantBody   []string
	}{
		{"renders markdown", n.ID, http.StatusOK, []string{`<h1 id="bread">Bread</h1>`, `type="checkbox"`, "<del>yeast</del>", "<title>Recipe</title>"}},
		{"deleted note", gone.ID, http.StatusNotFound, nil},
		{"not a note", "essay_abc", http.StatusBadRequest, nil},
		{"unknown note", "note_missing", http.StatusNotFound, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, http.MethodGet, "/api/notes/{id}/html", "/api/notes/"+tt.id+"/html", nil, h.ServeHTTP)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(rec.Body.String(), want) {
					t.Errorf("body missing %q", want)
				}
			}
		})
	}
}

func TestBlobHandler(t *testing.T) {
	env := servicetest.New(t)
	h := NewBlobHandler(env.Blobs)
	doc, err := env.VFS.CreateDocument(context.Background(), "file", resource.DocumentInput{
		Name: "hello.txt", Mime: "text/plain", Extension: "txt", Data: []byte("hello blob"),
	}, nil)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	rec := do(t, http.MethodGet, "/api/blobs/{hash}", "/api/blobs/"+doc.BlobHash, nil, h.Content)
	if rec.Code != http.StatusOK {
		t.Fatalf("Content status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello blob" {
		t.Errorf("Content body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	rec = do(t, http.MethodGet, "/api/blobs/{hash}/info", "/api/blobs/"+doc.BlobHash+"/info", nil, h.Info)
	info := decodeBody[blob.Blob](t, rec)
	if info.RefCount != 1 || info.Size != int64(len("hello blob")) {
		t.Errorf("Info = %+v, want ref_count 1", info)
	}

	rec = do(t, http.MethodGet, "/api/blobs/{hash}", "/api/blobs/not-a-hash", nil, h.Content)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed hash status = %d, want 400", rec.Code)
	}
	rec = do(t, http.MethodGet, "/api/blobs/{hash}", "/api/blobs/"+blob.HashBytes([]byte("absent")), nil, h.Content)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown hash status = %d, want 404", rec.Code)
	}
}
