package ids

import (
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestNew_Prefixes(t *testing.T) {
	tests := []struct {
		kind   ResourceKind
		prefix string
	}{
		{KindNote, "note_"},
		{KindFile, "file_"},
		{KindTextbook, "tb_"},
		{KindAttachment, "att_"},
		{KindTranslation, "tr_"},
		{KindExam, "exam_"},
		{KindEssay, "essay_"},
		{KindMindMap, "mm_"},
		{KindFolder, "fld_"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			id := New(tt.kind)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Fatalf("New(%s) = %q, want prefix %q", tt.kind, id, tt.prefix)
			}
			got, err := KindOf(id)
			if err != nil {
				t.Fatalf("KindOf(%q) error = %v", id, err)
			}
			if got != tt.kind {
				t.Errorf("KindOf(%q) = %s, want %s", id, got, tt.kind)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    ResourceKind
		wantErr bool
	}{
		{name: "bare uuid is folder", id: "0190f5a2-8c7e-7cc1-9a2b-3f4e5d6c7b8a", want: KindFolder},
		{name: "unknown prefix", id: "zzz_abc", wantErr: true},
		{name: "empty suffix", id: "note_", wantErr: true},
		{name: "empty", id: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KindOf(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Errorf("KindOf(%q) expected error, got %s", tt.id, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("KindOf(%q) error = %v", tt.id, err)
			}
			if got != tt.want {
				t.Errorf("KindOf(%q) = %s, want %s", tt.id, got, tt.want)
			}
		})
	}
}

func TestNew_ConcurrentUnique(t *testing.T) {
	const goroutines = 16
	const perGoroutine = 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines*perGoroutine)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, New(KindNote))
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Errorf("generated %d unique ids, want %d", len(seen), goroutines*perGoroutine)
	}
}

func TestNew_Sortable(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewSegmentID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("sequentially generated ids are not sorted")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("Textbook"); err != nil || k != KindTextbook {
		t.Errorf("ParseKind(Textbook) = %s, %v", k, err)
	}
	if _, err := ParseKind("video"); err == nil {
		t.Error("ParseKind(video) expected error")
	}
}
