package casedata

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

func TestBuiltin(t *testing.T) {
	c := Builtin()
	if c.Len() != 3 {
		t.Fatalf("expected 3 built-in cases, got %d", c.Len())
	}
	ids := []string{}
	for _, cs := range c.List() {
		ids = append(ids, cs.ID)
	}
	want := []string{"DTP-001", "DTP-002", "DTP-003"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	cs, err := c.Get(" DTP-002 ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.BPEScore == "" {
		t.Error("expected BPE score on built-in case")
	}
	if cs.Radiograph() != PlaceholderRadiograph {
		t.Errorf("expected placeholder radiograph, got %s", cs.Radiograph())
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Builtin().Get("DTP-999")
	if !apperrors.IsCode(err, apperrors.ErrCodeCaseNotFound) {
		t.Errorf("expected CASE_NOT_FOUND, got %v", err)
	}
}

func TestNewCatalogRejects(t *testing.T) {
	tests := []struct {
		name  string
		cases []Case
	}{
		{"empty id", []Case{{ID: "  "}}},
		{"duplicate id", []Case{{ID: "A"}, {ID: "A "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.cases); !apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid) {
				t.Errorf("expected CONFIG_INVALID, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml document",
			file: "cases.yaml",
			content: `cases:
  - id: X-1
    title: First
    bpeScore: "0 0 0 / 0 0 0"
    radiographUrl: img/x1.png
  - id: X-2
    title: Second
`,
		},
		{
			name: "yaml list",
			file: "list.yml",
			content: `- id: X-2
  title: Second
- id: X-1
  title: First
  bpeScore: "0 0 0 / 0 0 0"
  radiographUrl: img/x1.png
`,
		},
		{
			name:    "json",
			file:    "cases.json",
			content: `{"cases":[{"id":"X-1","title":"First","bpeScore":"0 0 0 / 0 0 0","radiographUrl":"img/x1.png"},{"id":"X-2","title":"Second"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			c, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if c.Len() != 2 {
				t.Fatalf("expected 2 cases, got %d", c.Len())
			}
			cs, err := c.Get("X-1")
			if err != nil {
				t.Fatal(err)
			}
			if cs.Title != "First" || cs.BPEScore != "0 0 0 / 0 0 0" {
				t.Errorf("unexpected case: %+v", cs)
			}
			if got, want := c.Resolve(cs.RadiographURL), filepath.Join(dir, "img/x1.png"); got != want {
				t.Errorf("Resolve = %s, want %s", got, want)
			}
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid) {
		t.Errorf("expected CONFIG_INVALID for missing file, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"cases": 7`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestResolveLeavesURLs(t *testing.T) {
	c := &Catalog{dir: "/data"}
	if got := c.Resolve("https://example.com/a.png"); got != "https://example.com/a.png" {
		t.Errorf("URL rewritten: %s", got)
	}
	if got := c.Resolve("/abs/a.png"); got != "/abs/a.png" {
		t.Errorf("absolute path rewritten: %s", got)
	}
}
