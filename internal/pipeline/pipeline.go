// Package pipeline drives one resolution run: load the registry, fetch every
// artifact with bounded concurrency, then stage the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/fetch"
	"pluginstager/internal/registry"
	"pluginstager/internal/stage"
)

const defaultConcurrency = 4

// Fetcher resolves one spec. Implementations report failures in the Result.
type Fetcher interface {
	Fetch(ctx context.Context, spec registry.ArtifactSpec) *fetch.Result
}

// Stager writes fetch results into the destination.
type Stager interface {
	Stage(ctx context.Context, results []*fetch.Result) (*stage.Outcome, error)
}

// MetricsRecorder receives run metrics.
type MetricsRecorder interface {
	RecordPipelineRun(ctx context.Context, state string, durationSeconds float64)
}

// Config holds pipeline options.
type Config struct {
	Concurrency int // parallel fetches (default: 4)
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Pipeline runs the load, fetch and stage phases. A Pipeline runs once.
type Pipeline struct {
	decls   []registry.Declaration
	catalog *registry.Catalog
	reg     *registry.Registry // preloaded, skips Load
	fetcher Fetcher
	stager  Stager
	cfg     Config
	metrics MetricsRecorder
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a pipeline. catalog and metrics may be nil.
func New(decls []registry.Declaration, catalog *registry.Catalog, fetcher Fetcher, stager Stager, cfg Config, metrics MetricsRecorder) *Pipeline {
	return &Pipeline{
		decls:   decls,
		catalog: catalog,
		fetcher: fetcher,
		stager:  stager,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "pipeline"),
		state:   StateIdle,
	}
}

// NewWithRegistry creates a pipeline over an already loaded registry, for
// callers that validate configuration before touching the filesystem.
func NewWithRegistry(reg *registry.Registry, fetcher Fetcher, stager Stager, cfg Config, metrics MetricsRecorder) *Pipeline {
	p := New(nil, nil, fetcher, stager, cfg, metrics)
	p.reg = reg
	return p
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	p.logger.Info("Pipeline state changed", "from", from, "to", to)
}

// Run executes the pipeline and always returns a report. The error is
// non-nil when the run ended Failed or Cancelled for a reason other than
// individual artifact failures: invalid configuration, an unusable
// destination, or ctx cancellation.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil, apperrors.Internal("pipeline.run", errors.New("pipeline already ran"))
	}
	p.mu.Unlock()

	start := time.Now()
	report := &Report{RunID: uuid.NewString(), StartedAt: start.UTC()}
	p.logger = p.logger.With("run_id", report.RunID)

	err := p.run(ctx, report)

	report.State = p.State()
	report.Elapsed = time.Since(start)
	report.Duration = report.Elapsed.Round(time.Millisecond).String()
	if err != nil {
		report.Error = err.Error()
	}
	if p.metrics != nil {
		p.metrics.RecordPipelineRun(ctx, string(report.State), report.Elapsed.Seconds())
	}
	p.logger.Info("Pipeline finished",
		"state", report.State,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"removed", len(report.Removed),
		"duration", report.Duration,
	)
	return report, err
}

func (p *Pipeline) run(ctx context.Context, report *Report) error {
	p.transition(StateLoading)
	reg := p.reg
	if reg == nil {
		var err error
		reg, err = registry.Load(p.decls, p.catalog)
		if err != nil {
			p.transition(StateFailed)
			return err
		}
	}
	specs := reg.Specs()
	report.specs = specs
	p.logger.Info("Registry loaded", "artifacts", len(specs))

	p.transition(StateFetching)
	results := p.fetchAll(ctx, specs)

	if err := ctx.Err(); err != nil {
		for _, res := range results {
			if res.OK() {
				report.Failed = append(report.Failed, failedEntry(res.Spec, apperrors.ReasonCancelled,
					fmt.Errorf("staging skipped: %w", err)))
				continue
			}
			report.Failed = append(report.Failed, failedEntry(res.Spec, res.Reason(), res.Err))
		}
		p.transition(StateCancelled)
		return err
	}

	p.transition(StateStaging)
	outcome, err := p.stager.Stage(ctx, results)
	if err != nil {
		for _, res := range results {
			if res.OK() {
				report.Failed = append(report.Failed, failedEntry(res.Spec, apperrors.Reason(err), err))
				continue
			}
			report.Failed = append(report.Failed, failedEntry(res.Spec, res.Reason(), res.Err))
		}
		p.transition(StateFailed)
		return err
	}

	p.collect(report, results, outcome)
	switch {
	case len(report.Failed) == 0:
		p.transition(StateDone)
	case len(report.Succeeded) == 0:
		p.transition(StateFailed)
	default:
		p.transition(StatePartiallyFailed)
	}
	return nil
}

// fetchAll fetches every spec with at most cfg.Concurrency in flight and
// returns once all of them have a result. After ctx is cancelled remaining
// specs are not started.
func (p *Pipeline) fetchAll(ctx context.Context, specs []registry.ArtifactSpec) []*fetch.Result {
	results := make([]*fetch.Result, len(specs))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			results[i] = fetch.Failed(spec, err)
			continue
		}
		g.Go(func() error {
			// g.Go may have waited for a slot while ctx was cancelled.
			if err := ctx.Err(); err != nil {
				results[i] = fetch.Failed(spec, err)
				return nil
			}
			results[i] = p.fetchOne(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchOne isolates a single artifact: a nil result or a panic becomes a
// failed result for that artifact only.
func (p *Pipeline) fetchOne(ctx context.Context, spec registry.ArtifactSpec) (res *fetch.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Fetch panicked", "artifact", spec.ID(), "panic", r)
			res = fetch.Failed(spec, apperrors.Internal("fetch", fmt.Errorf("panic: %v", r)))
		}
	}()
	res = p.fetcher.Fetch(ctx, spec)
	if res == nil {
		return fetch.Failed(spec, apperrors.Internal("fetch", errors.New("no result")))
	}
	return res
}

// collect merges fetch results and the stage outcome into the report.
func (p *Pipeline) collect(report *Report, results []*fetch.Result, outcome *stage.Outcome) {
	staged := make(map[string]stage.StagedArtifact, len(outcome.Staged))
	for _, s := range outcome.Staged {
		staged[s.Spec.RelPath()] = s
	}
	stageErrs := make(map[string]error, len(outcome.Failed))
	for _, f := range outcome.Failed {
		stageErrs[f.Spec.RelPath()] = f.Err
	}

	for _, res := range results {
		key := res.Spec.RelPath()
		switch {
		case !res.OK():
			report.Failed = append(report.Failed, failedEntry(res.Spec, res.Reason(), res.Err))
		case stageErrs[key] != nil:
			err := stageErrs[key]
			report.Failed = append(report.Failed, failedEntry(res.Spec, apperrors.Reason(err), err))
		default:
			s, ok := staged[key]
			if !ok {
				err := apperrors.Internal("stage", fmt.Errorf("%s missing from stage outcome", key))
				report.Failed = append(report.Failed, failedEntry(res.Spec, apperrors.ReasonError, err))
				continue
			}
			report.Succeeded = append(report.Succeeded, StagedEntry{
				Coordinate:       res.Spec.Coordinate.String(),
				Version:          res.Spec.Version,
				DestinationClass: string(res.Spec.Class),
				Path:             s.Path,
				Source:           string(res.Status),
				Changed:          s.Changed,
			})
		}
	}
	report.Removed = outcome.Removed
}
