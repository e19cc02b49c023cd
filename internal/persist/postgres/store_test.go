package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestNewStoreReportsOpenFailure(t *testing.T) {
	original := sqlOpen
	t.Cleanup(func() { sqlOpen = original })
	sqlOpen = func(driver, dsn string) (*sql.DB, error) {
		if driver != defaultDriver {
			t.Fatalf("unexpected driver %q", driver)
		}
		if dsn != defaultDSN {
			t.Fatalf("expected default dsn, got %q", dsn)
		}
		return nil, errors.New("boom")
	}
	_, err := NewStore(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
}

func TestStoreRoundTripIntegration(t *testing.T) {
	dsn := os.Getenv("SCALE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCALE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Save(ctx, "entity-scale-manager", []byte(`{"EntityScale":{}}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "entity-scale-manager")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(string(got), "EntityScale") {
		t.Fatalf("unexpected payload %q", got)
	}
}
