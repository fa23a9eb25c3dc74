package blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"vfscore/internal/storage/storagetest"
	"vfscore/internal/vfserr"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := storagetest.Open(t)
	s, err := NewStore(db, filepath.Join(t.TempDir(), "blobs"), opts...)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error = %v", err)
	}
	return n
}

func TestStore_Put_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, []byte("hello"), "text/plain", "txt")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second, err := s.Put(ctx, []byte("hello"), "text/plain", "txt")
	if err != nil {
		t.Fatalf("Put() second error = %v", err)
	}

	if first.Hash != second.Hash {
		t.Errorf("hashes differ: %s vs %s", first.Hash, second.Hash)
	}
	if first.Hash != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Hash = %s, want sha256(hello)", first.Hash)
	}
	if second.RefCount != 2 {
		t.Errorf("RefCount = %d, want 2", second.RefCount)
	}
	if got := countFiles(t, s.Root()); got != 1 {
		t.Errorf("files on disk = %d, want 1", got)
	}
	if second.StoragePath != filepath.Join("2c", first.Hash) {
		t.Errorf("StoragePath = %s, want sharded path", second.StoragePath)
	}

	var rows int
	if err := s.db.Reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM blobs").Scan(&rows); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if rows != 1 {
		t.Errorf("blob rows = %d, want 1", rows)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
	}{
		{"one byte", []byte{0x7f}},
		{"binary", []byte{0, 1, 2, 3, 255, 254}},
		{"text", []byte("the quick brown fox")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := s.Put(ctx, tt.data, "", "")
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			got, err := s.GetBytes(ctx, b.Hash)
			if err != nil {
				t.Fatalf("GetBytes() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("GetBytes() = %v, want %v", got, tt.data)
			}
		})
	}
}

func TestStore_Put_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(ctx, []byte{'x'}, "", ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put() error = %v", err)
	}

	b, err := s.Get(ctx, HashBytes([]byte{'x'}))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if b.RefCount != n {
		t.Errorf("RefCount = %d, want %d", b.RefCount, n)
	}
}

func TestStore_DecrefAndSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keep, err := s.Put(ctx, []byte("keep"), "", "")
	if err != nil {
		t.Fatalf("Put(keep) error = %v", err)
	}
	drop, err := s.Put(ctx, []byte("drop"), "", "")
	if err != nil {
		t.Fatalf("Put(drop) error = %v", err)
	}

	if err := s.Decref(ctx, drop.Hash); err != nil {
		t.Fatalf("Decref() error = %v", err)
	}
	// Floors at zero.
	if err := s.Decref(ctx, drop.Hash); err != nil {
		t.Fatalf("Decref() at zero error = %v", err)
	}
	b, err := s.Get(ctx, drop.Hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if b.RefCount != 0 {
		t.Errorf("RefCount = %d, want 0", b.RefCount)
	}

	report, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Deleted != 1 || report.BytesFreed != 4 {
		t.Errorf("Sweep() = %+v, want 1 deleted, 4 bytes", report)
	}

	if _, err := s.Get(ctx, drop.Hash); !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Errorf("Get(dropped) error = %v, want not found", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), RelativePath(drop.Hash))); !os.IsNotExist(err) {
		t.Errorf("dropped file still present: %v", err)
	}
	if _, err := s.GetBytes(ctx, keep.Hash); err != nil {
		t.Errorf("GetBytes(keep) error = %v", err)
	}

	// Putting swept content again recreates file and row.
	again, err := s.Put(ctx, []byte("drop"), "", "")
	if err != nil {
		t.Fatalf("Put() after sweep error = %v", err)
	}
	if again.RefCount != 1 {
		t.Errorf("RefCount after re-put = %d, want 1", again.RefCount)
	}
	if _, err := s.GetBytes(ctx, again.Hash); err != nil {
		t.Errorf("GetBytes() after re-put error = %v", err)
	}
}

func TestStore_Put_RecreatesMissingFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.Put(ctx, []byte("fragile"), "", "")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := os.Remove(filepath.Join(s.Root(), b.StoragePath)); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	missing, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != b.Hash {
		t.Errorf("Verify() = %v, want [%s]", missing, b.Hash)
	}

	if _, err := s.Put(ctx, []byte("fragile"), "", ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.GetBytes(ctx, b.Hash); err != nil {
		t.Errorf("GetBytes() error = %v", err)
	}
}

func TestStore_HashCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte("collide")
	hash := HashBytes(data)
	path := filepath.Join(s.Root(), RelativePath(hash))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("a different length"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := s.Put(ctx, data, "", "")
	if !vfserr.IsKind(err, vfserr.KindHashCollision) {
		t.Errorf("Put() error = %v, want hash collision", err)
	}
}

func TestStore_MaxSize(t *testing.T) {
	s := newTestStore(t, WithMaxSize(4))
	if _, err := s.Put(context.Background(), []byte("too large"), "", ""); !vfserr.IsKind(err, vfserr.KindInvalidArgument) {
		t.Errorf("Put() error = %v, want invalid argument", err)
	}
}

func TestStore_GetPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		hash     string
		wantKind vfserr.Kind
	}{
		{"malformed", "abc", vfserr.KindInvalidArgument},
		{"unknown", HashBytes([]byte("never stored")), vfserr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetPath(ctx, tt.hash)
			if got := vfserr.KindOf(err); got != tt.wantKind {
				t.Errorf("GetPath() kind = %v, want %v (err %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestStore_Audit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, []byte("a"), "", "")
	if err != nil {
		t.Fatalf("Put(a) error = %v", err)
	}
	b, err := s.Put(ctx, []byte("b"), "", "")
	if err != nil {
		t.Fatalf("Put(b) error = %v", err)
	}
	if err := s.Incref(ctx, b.Hash); err != nil {
		t.Fatalf("Incref() error = %v", err)
	}

	repaired, err := s.Audit(ctx, map[string]int64{a.Hash: 3})
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if len(repaired) != 2 {
		t.Errorf("Audit() repaired %v, want 2 hashes", repaired)
	}

	gotA, _ := s.Get(ctx, a.Hash)
	gotB, _ := s.Get(ctx, b.Hash)
	if gotA.RefCount != 3 || gotB.RefCount != 0 {
		t.Errorf("after audit a=%d b=%d, want 3 and 0", gotA.RefCount, gotB.RefCount)
	}

	repaired, err = s.Audit(ctx, map[string]int64{a.Hash: 3})
	if err != nil {
		t.Fatalf("second Audit() error = %v", err)
	}
	if len(repaired) != 0 {
		t.Errorf("second Audit() repaired %v, want none", repaired)
	}
}

func TestStore_Incref_Unknown(t *testing.T) {
	s := newTestStore(t)
	if err := s.Incref(context.Background(), HashBytes([]byte("nope"))); !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Errorf("Incref() error = %v, want not found", err)
	}
}
