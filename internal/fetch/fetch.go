// Package fetch resolves artifact specs to verified local files, reading
// through the content cache and downloading from repositories on a miss.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/opencontainers/go-digest"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/cache"
	"pluginstager/internal/registry"
	"pluginstager/internal/repository"
	"pluginstager/pkg/backoff"
)

// MetricsRecorder receives fetch metrics. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordFetchStarted(ctx context.Context, class string)
	RecordFetch(ctx context.Context, class, status string, durationSeconds float64)
	RecordFetchRetry(ctx context.Context, class string)
}

// Fetcher downloads artifacts into the cache. It is safe for concurrent use.
type Fetcher struct {
	repo    repository.Repository
	cache   *cache.Cache
	cfg     Config
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a Fetcher. metrics may be nil.
func New(repo repository.Repository, c *cache.Cache, cfg Config, metrics MetricsRecorder) *Fetcher {
	return &Fetcher{
		repo:    repo,
		cache:   c,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "fetcher", "repository", repo.Name()),
	}
}

// CacheKey is the cache entry a spec is stored under.
func CacheKey(spec registry.ArtifactSpec) cache.Key {
	return cache.Key{
		Group:     spec.Coordinate.Group,
		Name:      spec.Coordinate.Name,
		Version:   spec.Version,
		Extension: spec.Extension,
	}
}

// Fetch makes spec available locally. It never returns nil and never panics
// on repository or cache errors; failures are reported in the Result.
//
// Once ctx is cancelled no new attempt starts, but an attempt already in
// flight runs until it completes or hits the request timeout.
func (f *Fetcher) Fetch(ctx context.Context, spec registry.ArtifactSpec) *Result {
	start := time.Now()
	class := string(spec.Class)
	if f.metrics != nil {
		f.metrics.RecordFetchStarted(ctx, class)
	}

	res := f.fetch(ctx, spec)
	res.Duration = time.Since(start)

	if f.metrics != nil {
		f.metrics.RecordFetch(ctx, class, string(res.Status), res.Duration.Seconds())
	}
	if res.Err != nil {
		f.logger.Warn("Fetch failed",
			"artifact", spec.Coordinate.String(),
			"version", spec.Version,
			"attempts", res.Attempts,
			"reason", res.Reason(),
			"error", res.Err,
		)
	} else {
		f.logger.Debug("Artifact available",
			"artifact", spec.Coordinate.String(),
			"version", spec.Version,
			"status", res.Status,
		)
	}
	return res
}

func (f *Fetcher) fetch(ctx context.Context, spec registry.ArtifactSpec) *Result {
	key := CacheKey(spec)

	entry, ok, err := f.cache.Lookup(key)
	if err != nil {
		return Failed(spec, err)
	}
	if ok {
		match, err := matchesChecksum(entry, spec.Checksum)
		if err != nil {
			return Failed(spec, apperrors.Internal("fetch.verify", err))
		}
		if match {
			return &Result{
				Spec:      spec,
				LocalPath: entry.Path,
				Digest:    entry.Digest,
				Size:      entry.Size,
				Status:    StatusCached,
			}
		}
		f.logger.Info("Cached artifact does not match declared checksum, refetching",
			"artifact", spec.Coordinate.String(),
			"version", spec.Version,
			"cached", entry.Digest,
			"declared", spec.Checksum,
		)
	}

	if err := ctx.Err(); err != nil {
		return Failed(spec, err)
	}

	res := &Result{Spec: spec}
	req := repository.Request{
		Group:     spec.Coordinate.Group,
		Name:      spec.Coordinate.Name,
		Version:   spec.Version,
		Extension: spec.Extension,
	}

	entry, err = retry.DoWithData(
		func() (*cache.Entry, error) {
			if err := ctx.Err(); err != nil {
				return nil, retry.Unrecoverable(err)
			}
			res.Attempts++
			if res.Attempts > 1 && f.metrics != nil {
				f.metrics.RecordFetchRetry(ctx, string(spec.Class))
			}
			return f.attempt(ctx, req, key, spec.Checksum)
		},
		retry.Context(ctx),
		retry.Attempts(uint(f.cfg.Attempts)),
		retry.DelayType(backoff.RetryDelay(&f.cfg.Backoff)),
		retry.RetryIf(apperrors.IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// retry-go also calls this after the final attempt.
			if int(n)+1 >= f.cfg.Attempts {
				return
			}
			f.logger.Info("Retrying fetch",
				"artifact", spec.Coordinate.String(),
				"version", spec.Version,
				"attempt", n+2,
				"error", err,
			)
		}),
	)
	if err != nil {
		res.Status = StatusFailed
		res.Err = f.finalError(ctx, err)
		return res
	}

	res.Status = StatusFetched
	res.LocalPath = entry.Path
	res.Digest = entry.Digest
	res.Size = entry.Size
	return res
}

// attempt performs one download. It runs detached from ctx cancellation and
// is bounded by the request timeout instead.
func (f *Fetcher) attempt(ctx context.Context, req repository.Request, key cache.Key, want digest.Digest) (*cache.Entry, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.RequestTimeout)
	defer cancel()

	body, err := f.repo.Get(attemptCtx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return f.cache.Put(key, &classifyingReader{r: body, op: req.String()}, want)
}

// finalError reports a failure caused by cancellation as cancelled even when
// the last attempt failed for another retryable reason.
func (f *Fetcher) finalError(ctx context.Context, err error) error {
	cause := ctx.Err()
	if cause == nil {
		return err
	}
	if errors.Is(err, cause) {
		return err
	}
	if apperrors.IsTransient(err) {
		return fmt.Errorf("%w after %v", cause, err)
	}
	return err
}

// matchesChecksum reports whether entry satisfies the declared digest. An
// entry hashed with a different algorithm is re-read and verified.
func matchesChecksum(entry *cache.Entry, want digest.Digest) (bool, error) {
	if want == "" || entry.Digest == want {
		return true, nil
	}
	if entry.Digest.Algorithm() == want.Algorithm() {
		return false, nil
	}
	f, err := os.Open(entry.Path)
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

// classifyingReader marks body read failures as retryable.
type classifyingReader struct {
	r  io.Reader
	op string
}

func (c *classifyingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, context.DeadlineExceeded) {
			return n, apperrors.Timeout(c.op, err)
		}
		return n, apperrors.Transient(c.op, err)
	}
	return n, err
}
