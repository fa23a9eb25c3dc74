package vfserr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  &Error{Kind: KindInvalidArgument, Message: "title is required"},
			want: "title is required",
		},
		{
			name: "with op",
			err:  &Error{Kind: KindNotFound, Op: "folder.get", Message: "fld_1 not found"},
			want: "folder.get: fld_1 not found",
		},
		{
			name: "with cause",
			err:  &Error{Kind: KindIO, Op: "blob.put", Cause: io.ErrUnexpectedEOF},
			want: "blob.put: io: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	base := Conflict("note.update", "note_1", "stale updated_at")
	wrapped := fmt.Errorf("failed to update note: %w", base)

	if got := KindOf(wrapped); got != KindConflict {
		t.Errorf("KindOf() = %v, want %v", got, KindConflict)
	}
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Errorf("CodeOf() = %q, want %q", got, CodeConflict)
	}
	if !errors.Is(wrapped, ErrConflict) {
		t.Error("errors.Is(wrapped, ErrConflict) = false, want true")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Error("errors.Is(wrapped, ErrNotFound) = true, want false")
	}
}

func TestKindOf_Plain(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf() = %v, want %v", got, KindUnknown)
	}
	if got := CodeOf(errors.New("boom")); got != "internal_error" {
		t.Errorf("CodeOf() = %q, want internal_error", got)
	}
}

func TestMaintenanceSentinel(t *testing.T) {
	err := &Error{Kind: KindPool, Code: CodeMaintenance, Op: "storage.writer", Message: "database is in maintenance mode"}
	if !errors.Is(err, ErrMaintenance) {
		t.Error("errors.Is(err, ErrMaintenance) = false, want true")
	}
	other := &Error{Kind: KindPool, Code: "pool_closed"}
	if errors.Is(other, ErrMaintenance) {
		t.Error("errors.Is(other, ErrMaintenance) = true, want false")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(KindDatabase, CodeDatabase, "x", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"database", Database("q", io.EOF), true},
		{"io", IO("w", io.EOF), true},
		{"not found", NotFound("get", "x"), false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
