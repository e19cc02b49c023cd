package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"entity-scale/server/internal/persist"
)

func TestStoreRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scale.db")
	ctx := context.Background()

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Load(ctx, "entity-scale-manager"); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty db, got %v", err)
	}
	if err := s.Save(ctx, "entity-scale-manager", []byte(`{"EntityScale":{"7":[2,2,2]}}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "entity-scale-manager", []byte(`{"EntityScale":{"7":[3,3,3]}}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx, "entity-scale-manager")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"EntityScale":{"7":[3,3,3]}}` {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestStoreInMemory(t *testing.T) {
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Save(ctx, "world", []byte("[]")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, err := s.Load(ctx, "world"); err != nil || string(got) != "[]" {
		t.Fatalf("unexpected load result %q (%v)", got, err)
	}
}
