package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"vfscore/internal/vfserr"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// do sends one request through a router with a single route.
func do(t *testing.T, method, pattern, path string, body any, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(data)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", vfserr.NotFound("op", "note_x"), http.StatusNotFound},
		{"conflict", vfserr.Conflict("op", "note_x", "stale"), http.StatusConflict},
		{"invalid state", fmt.Errorf("wrap: %w", vfserr.New(vfserr.KindInvalidState, vfserr.CodeInvalidTransition, "op", "deleted")), http.StatusConflict},
		{"invalid argument", vfserr.Invalid("op", vfserr.CodeFolderDepth, "too deep"), http.StatusBadRequest},
		{"maintenance", vfserr.ErrMaintenance, http.StatusServiceUnavailable},
		{"model", vfserr.New(vfserr.KindModel, vfserr.CodeModel, "op", "down"), http.StatusBadGateway},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteError_HidesInternalMessages(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantMsg  string
		wantCode string
	}{
		{
			name:     "client error is echoed",
			err:      vfserr.Invalid("folder.create", vfserr.CodeFolderDepth, "folder depth limit reached"),
			wantCode: vfserr.CodeFolderDepth,
		},
		{
			name:     "internal error is masked",
			err:      vfserr.Database("resource.get", errors.New("disk I/O error")),
			wantMsg:  http.StatusText(http.StatusInternalServerError),
			wantCode: vfserr.CodeDatabase,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, http.MethodGet, "/", "/", nil, func(w http.ResponseWriter, r *http.Request) {
				writeError(w, r, tt.err)
			})
			got := decodeBody[ErrorResponse](t, rec)
			if got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
			want := tt.wantMsg
			if want == "" {
				want = tt.err.Error()
			}
			if got.Error != want {
				t.Errorf("error = %q, want %q", got.Error, want)
			}
		})
	}
}
