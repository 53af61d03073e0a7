// Package stage materializes fetched artifacts into the plugin directory
// tree the host application scans at startup.
//
// The destination root holds one subdirectory per destination class. After a
// successful Stage the tree contains exactly the declared artifacts, so
// running Stage twice with the same input leaves it unchanged.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/fetch"
	"pluginstager/internal/registry"
)

// MetricsRecorder receives staging metrics.
type MetricsRecorder interface {
	RecordStage(ctx context.Context, class string, changed bool)
	RecordStageError(ctx context.Context, class string)
	RecordGCRemoved(ctx context.Context, n int)
}

// StagedArtifact is an artifact present in the destination after a run.
type StagedArtifact struct {
	Spec    registry.ArtifactSpec
	Path    string // absolute path of the staged file
	Changed bool   // false when an identical file was already in place
}

// Failure is an artifact that could not be staged.
type Failure struct {
	Spec registry.ArtifactSpec
	Err  error
}

// Outcome summarizes one Stage call.
type Outcome struct {
	Staged  []StagedArtifact
	Failed  []Failure
	Removed []string // slash-separated paths relative to the root
}

// Stager owns the destination root.
type Stager struct {
	root    string
	cfg     Config
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a Stager for root. metrics may be nil.
func New(root string, cfg Config, metrics MetricsRecorder) *Stager {
	return &Stager{
		root:    root,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "stager", "root", root),
	}
}

// Root returns the destination root.
func (s *Stager) Root() string { return s.root }

// classPlan is the work for one class directory.
type classPlan struct {
	class    registry.DestinationClass
	expected map[string]bool // file names that may stay
	write    []*fetch.Result
}

type classOutcome struct {
	staged  []StagedArtifact
	failed  []Failure
	removed []string
}

// Stage garbage-collects the destination and writes every successful
// result. Failed results are not written, but an existing copy of the same
// artifact is kept. Per-artifact problems are reported in the Outcome; the
// returned error is reserved for an unusable destination root.
func (s *Stager) Stage(ctx context.Context, results []*fetch.Result) (*Outcome, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, apperrors.StageIO(s.root, err)
	}

	plans := make(map[registry.DestinationClass]*classPlan)
	for _, class := range registry.Classes() {
		plans[class] = &classPlan{class: class, expected: make(map[string]bool)}
	}
	for _, res := range results {
		p, ok := plans[res.Spec.Class]
		if !ok {
			return nil, apperrors.Internal("stage", fmt.Errorf("unknown destination class %q", res.Spec.Class))
		}
		p.expected[res.Spec.FileName()] = true
		if res.OK() {
			p.write = append(p.write, res)
		}
	}

	out := &Outcome{}
	removed, err := s.collectRoot()
	if err != nil {
		return nil, err
	}
	out.Removed = append(out.Removed, removed...)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, class := range registry.Classes() {
		plan := plans[class]
		g.Go(func() error {
			co, err := s.stageClass(ctx, plan)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Staged = append(out.Staged, co.staged...)
			out.Failed = append(out.Failed, co.failed...)
			out.Removed = append(out.Removed, co.removed...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out.Staged, func(i, j int) bool { return out.Staged[i].Spec.RelPath() < out.Staged[j].Spec.RelPath() })
	sort.Slice(out.Failed, func(i, j int) bool { return out.Failed[i].Spec.RelPath() < out.Failed[j].Spec.RelPath() })
	slices.Sort(out.Removed)

	if s.metrics != nil {
		s.metrics.RecordGCRemoved(ctx, len(out.Removed))
	}
	s.logger.Info("Staging complete",
		"staged", len(out.Staged),
		"failed", len(out.Failed),
		"removed", len(out.Removed),
	)
	return out, nil
}

// collectRoot removes root entries that are not class directories.
func (s *Stager) collectRoot() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperrors.StageIO(s.root, err)
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() && isClassDir(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return nil, apperrors.StageIO(filepath.Join(s.root, e.Name()), err)
		}
		s.logger.Info("Removed unexpected entry", "path", e.Name())
		removed = append(removed, e.Name())
	}
	return removed, nil
}

func isClassDir(name string) bool {
	for _, c := range registry.Classes() {
		if c.Dir() == name {
			return true
		}
	}
	return false
}

// stageClass runs garbage collection and writes for one class directory.
// Everything inside one directory happens on this goroutine.
func (s *Stager) stageClass(ctx context.Context, plan *classPlan) (*classOutcome, error) {
	dir := filepath.Join(s.root, plan.class.Dir())
	co := &classOutcome{}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, apperrors.StageIO(dir, err)
	}
	for _, e := range entries {
		if plan.expected[e.Name()] && e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return nil, apperrors.StageIO(path, err)
		}
		rel := plan.class.Dir() + "/" + e.Name()
		s.logger.Info("Removed stale entry", "path", rel)
		co.removed = append(co.removed, rel)
	}

	if len(plan.write) > 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			for _, res := range plan.write {
				co.failed = append(co.failed, Failure{Spec: res.Spec, Err: apperrors.StageIO(dir, err)})
				s.recordError(ctx, plan.class)
			}
			return co, nil
		}
	}

	for _, res := range plan.write {
		dest := filepath.Join(dir, res.Spec.FileName())
		changed, err := s.place(res, dest)
		if err != nil {
			s.logger.Warn("Failed to stage artifact",
				"artifact", res.Spec.Coordinate.String(),
				"version", res.Spec.Version,
				"error", err,
			)
			co.failed = append(co.failed, Failure{Spec: res.Spec, Err: err})
			s.recordError(ctx, plan.class)
			continue
		}
		if changed {
			s.logger.Info("Staged artifact", "path", plan.class.Dir()+"/"+res.Spec.FileName())
		}
		co.staged = append(co.staged, StagedArtifact{Spec: res.Spec, Path: dest, Changed: changed})
		if s.metrics != nil {
			s.metrics.RecordStage(ctx, string(plan.class), changed)
		}
	}

	if err := os.Remove(dir); err == nil {
		s.logger.Debug("Removed empty class directory", "class", plan.class)
	}
	return co, nil
}

func (s *Stager) recordError(ctx context.Context, class registry.DestinationClass) {
	if s.metrics != nil {
		s.metrics.RecordStageError(ctx, string(class))
	}
}

// place makes dest hold the content of res. It reports whether the
// destination was modified.
func (s *Stager) place(res *fetch.Result, dest string) (bool, error) {
	same, err := identical(dest, res.Size, res.Digest)
	if err != nil {
		return false, apperrors.StageIO(dest, err)
	}
	if same {
		return false, nil
	}

	if s.cfg.Mode == ModeHardlink {
		err := link(res.LocalPath, dest)
		if err == nil {
			return true, nil
		}
		s.logger.Debug("Hardlink failed, copying instead", "path", dest, "error", err)
	}
	if err := copyVerified(res.LocalPath, dest, res.Digest); err != nil {
		return false, err
	}
	return true, nil
}

// identical reports whether path is a regular file with the given size and
// digest.
func identical(path string, size int64, want digest.Digest) (bool, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != size || want == "" {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	verifier := want.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return false, err
	}
	return verifier.Verified(), nil
}

// copyVerified writes src to dest atomically after checking its digest, so
// a damaged cache blob is never staged.
func copyVerified(src, dest string, want digest.Digest) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return apperrors.StageIO(src, err)
	}
	if want != "" {
		if got := want.Algorithm().FromBytes(data); got != want {
			return apperrors.Checksum(src, want.String(), got.String())
		}
	}
	if err := atomicwriter.WriteFile(dest, data, 0o644); err != nil {
		return apperrors.StageIO(dest, err)
	}
	return nil
}

// link hardlinks src to a temporary name next to dest and renames it over
// dest.
func link(src, dest string) error {
	tmp := filepath.Join(filepath.Dir(dest), ".tmp-link-"+uuid.NewString())
	if err := os.Link(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
