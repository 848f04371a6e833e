package casedata

import (
	"bytes"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"log/slog"
	"sort"
	"sync"

	"github.com/corona10/goimagehash"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

// MaxHashDistance is the largest perceptual hash distance at which two images
// count as the same picture.
const MaxHashDistance = 5

// Duplicate reports an image that matches one seen earlier.
type Duplicate struct {
	Name     string
	Matches  string
	Distance int
}

// ImageSet tracks perceptual hashes of case images to flag repeats, such as a
// catalog that reuses one photo for two slots.
type ImageSet struct {
	mu     sync.Mutex
	names  []string
	hashes []*goimagehash.ImageHash
}

// NewImageSet creates an empty set.
func NewImageSet() *ImageSet {
	return &ImageSet{}
}

// Add hashes the encoded image and records it. If it is within
// MaxHashDistance of an earlier image the match is returned.
func (s *ImageSet) Add(name string, data []byte) (*Duplicate, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeInvalidArgument, "decode image %s", name)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeInternal, "hash image %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dup *Duplicate
	for i, prev := range s.hashes {
		dist, err := prev.Distance(hash)
		if err != nil {
			continue
		}
		if dist <= MaxHashDistance && (dup == nil || dist < dup.Distance) {
			dup = &Duplicate{Name: name, Matches: s.names[i], Distance: dist}
		}
	}
	s.names = append(s.names, name)
	s.hashes = append(s.hashes, hash)
	if dup != nil {
		slog.Debug("duplicate case image", "name", name, "matches", dup.Matches, "distance", dup.Distance)
	}
	return dup, nil
}

// Len returns the number of hashed images.
func (s *ImageSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hashes)
}

// Reader loads the bytes behind an image reference.
type Reader func(ref string) ([]byte, error)

// CheckImages hashes every local image in the catalog and returns the
// duplicates found. Remote URLs are skipped; unreadable images are logged.
func (c *Catalog) CheckImages(read Reader) []Duplicate {
	set := NewImageSet()
	var dups []Duplicate
	for _, cs := range c.List() {
		slots := cs.Images()
		keys := make([]string, 0, len(slots))
		for k := range slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, slot := range keys {
			ref := slots[slot]
			if isURL(ref) {
				continue
			}
			data, err := read(c.Resolve(ref))
			if err != nil {
				slog.Warn("case image unreadable", "case", cs.ID, "slot", slot, "error", err)
				continue
			}
			dup, err := set.Add(cs.ID+"/"+slot, data)
			if err != nil {
				slog.Warn("case image rejected", "case", cs.ID, "slot", slot, "error", err)
				continue
			}
			if dup != nil {
				dups = append(dups, *dup)
			}
		}
	}
	return dups
}
