// Package casedata holds the read-only clinical case records a session is run against.
package casedata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

// PlaceholderRadiograph is shown when a case has no radiograph of its own.
const PlaceholderRadiograph = "https://via.placeholder.com/500x400?text=Radiograph"

// Case is one exam scenario.
type Case struct {
	ID             string `json:"id" yaml:"id"`
	Title          string `json:"title" yaml:"title"`
	ExtraoralExam  string `json:"extraoralExam" yaml:"extraoralExam"`
	IntraoralExam  string `json:"intraoralExam" yaml:"intraoralExam"`
	BPEScore       string `json:"bpeScore" yaml:"bpeScore"`
	ExtraoralPhoto string `json:"extraoralPhoto,omitempty" yaml:"extraoralPhoto,omitempty"`
	IntraoralPhoto string `json:"intraoralPhoto,omitempty" yaml:"intraoralPhoto,omitempty"`
	RadiographURL  string `json:"radiographUrl,omitempty" yaml:"radiographUrl,omitempty"`
}

// Radiograph returns the radiograph reference or the placeholder.
func (c Case) Radiograph() string {
	if c.RadiographURL != "" {
		return c.RadiographURL
	}
	return PlaceholderRadiograph
}

// Images returns the non-empty image references keyed by slot.
func (c Case) Images() map[string]string {
	out := make(map[string]string, 3)
	if c.ExtraoralPhoto != "" {
		out["extraoral"] = c.ExtraoralPhoto
	}
	if c.IntraoralPhoto != "" {
		out["intraoral"] = c.IntraoralPhoto
	}
	if c.RadiographURL != "" {
		out["radiograph"] = c.RadiographURL
	}
	return out
}

// Catalog is an immutable set of cases keyed by id.
type Catalog struct {
	cases map[string]Case
	order []string
	dir   string
}

type catalogFile struct {
	Cases []Case `json:"cases" yaml:"cases"`
}

// NewCatalog builds a catalog, rejecting blank and duplicate ids.
func NewCatalog(cases []Case) (*Catalog, error) {
	c := &Catalog{cases: make(map[string]Case, len(cases))}
	for _, cs := range cases {
		id := strings.TrimSpace(cs.ID)
		if id == "" {
			return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "case with empty id")
		}
		if _, dup := c.cases[id]; dup {
			return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid, "duplicate case id %q", id)
		}
		cs.ID = id
		c.cases[id] = cs
		c.order = append(c.order, id)
	}
	sort.Strings(c.order)
	return c, nil
}

// LoadFile reads a YAML or JSON catalog. Both a top-level list and a
// {cases: [...]} document are accepted.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeConfigInvalid, "read case file %s", path)
	}

	cases, err := parse(path, data)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeConfigInvalid, "parse case file %s", path)
	}
	c, err := NewCatalog(cases)
	if err != nil {
		return nil, err
	}
	c.dir = filepath.Dir(path)
	return c, nil
}

func parse(path string, data []byte) ([]Case, error) {
	unmarshal := func(b []byte, v any) error { return yaml.Unmarshal(b, v) }
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		unmarshal = json.Unmarshal
	}

	var list []Case
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc catalogFile
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("expected a case list or a cases document: %w", err)
	}
	return doc.Cases, nil
}

// Get returns the case with the given id.
func (c *Catalog) Get(id string) (Case, error) {
	cs, ok := c.cases[strings.TrimSpace(id)]
	if !ok {
		return Case{}, apperrors.Newf(apperrors.ErrCodeCaseNotFound, "unknown case %q", id)
	}
	return cs, nil
}

// List returns all cases ordered by id.
func (c *Catalog) List() []Case {
	out := make([]Case, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.cases[id])
	}
	return out
}

// Len returns the number of cases.
func (c *Catalog) Len() int { return len(c.order) }

// Resolve turns a relative local image reference into a path next to the
// catalog file. URLs and absolute paths are returned unchanged.
func (c *Catalog) Resolve(ref string) string {
	if ref == "" || isURL(ref) || filepath.IsAbs(ref) || c.dir == "" {
		return ref
	}
	return filepath.Join(c.dir, ref)
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
