package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteSchemaCoversConfigSections(t *testing.T) {
	out := filepath.Join(t.TempDir(), "schema", "config.schema.json")
	if err := writeSchema(out, buildSchema()); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	for _, want := range []string{"Entity Scale Server", "transitionDuration", "hideCarriersAfterTransition", "driver"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("schema missing %q", want)
		}
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file should be renamed away")
	}
}
