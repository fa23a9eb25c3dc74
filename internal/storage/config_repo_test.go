package storage

import (
	"context"
	"testing"

	"vfscore/internal/vfserr"
)

func TestConfigRepo(t *testing.T) {
	db := openTestDB(t)
	repo := NewConfigRepo(db)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Errorf("Get(missing) error = %v, want not found", err)
	}

	if err := repo.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := repo.Set(ctx, "a", "2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	if err := repo.Set(ctx, "b", "3"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := repo.Get(ctx, "a")
	if err != nil || got != "2" {
		t.Errorf("Get(a) = %q, %v; want 2", got, err)
	}

	entries, err := repo.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Errorf("All() = %+v, want keys [a b]", entries)
	}

	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "a"); !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Errorf("Get(a) after delete error = %v, want not found", err)
	}
}
