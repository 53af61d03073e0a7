package fetch

import (
	"time"

	"github.com/opencontainers/go-digest"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/registry"
)

// Status is the outcome of fetching one artifact.
type Status string

const (
	StatusFetched Status = "fetched"
	StatusCached  Status = "cached"
	StatusFailed  Status = "failed"
)

// Result is the outcome for one spec. It lives for a single run.
type Result struct {
	Spec      registry.ArtifactSpec
	LocalPath string // verified blob in the cache, empty when failed
	Digest    digest.Digest
	Size      int64
	Status    Status
	Err       error
	Attempts  int // repository requests made, zero for cache hits
	Duration  time.Duration
}

// OK reports whether the artifact is available locally.
func (r *Result) OK() bool { return r.Status != StatusFailed }

// ErrorDetail returns the error message, or "" on success.
func (r *Result) ErrorDetail() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Reason returns the short failure category, or "" on success.
func (r *Result) Reason() string { return apperrors.Reason(r.Err) }

// Failed builds a failed result for spec without attempting a fetch.
func Failed(spec registry.ArtifactSpec, err error) *Result {
	return &Result{Spec: spec, Status: StatusFailed, Err: err}
}
