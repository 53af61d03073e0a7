package stage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/registry"
)

// Drift describes how a destination tree differs from a registry.
type Drift struct {
	Missing    []string `json:"missing,omitempty" yaml:"missing,omitempty"`       // declared but absent
	Unexpected []string `json:"unexpected,omitempty" yaml:"unexpected,omitempty"` // present but not declared
}

// Clean reports whether the tree matches exactly.
func (d *Drift) Clean() bool { return len(d.Missing) == 0 && len(d.Unexpected) == 0 }

// Diff compares the tree under root with specs without modifying it. Paths
// are slash-separated and relative to root. A missing root means every spec
// is missing.
func Diff(root string, specs []registry.ArtifactSpec) (*Drift, error) {
	expected := make(map[string]bool, len(specs))
	for _, spec := range specs {
		expected[spec.RelPath()] = true
	}

	drift := &Drift{}
	present := make(map[string]bool)

	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.StageIO(root, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !isClassDir(e.Name()) {
			drift.Unexpected = append(drift.Unexpected, e.Name())
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, apperrors.StageIO(filepath.Join(root, e.Name()), err)
		}
		for _, f := range files {
			rel := e.Name() + "/" + f.Name()
			if expected[rel] && f.Type().IsRegular() {
				present[rel] = true
				continue
			}
			drift.Unexpected = append(drift.Unexpected, rel)
		}
	}

	for rel := range expected {
		if !present[rel] {
			drift.Missing = append(drift.Missing, rel)
		}
	}
	slices.Sort(drift.Missing)
	slices.Sort(drift.Unexpected)
	return drift, nil
}
