package repository

import (
	"context"
	"errors"
	"io"
	"strings"

	"pluginstager/internal/apperrors"
)

// Chain tries repositories in declaration order.
type Chain struct {
	repos []Repository
}

// NewChain creates a chain over repos.
func NewChain(repos ...Repository) *Chain {
	return &Chain{repos: repos}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.repos))
	for _, r := range c.repos {
		names = append(names, r.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Get returns the first repository hit. When every repository fails, a
// retryable error wins so one flaky mirror still earns a retry; otherwise a
// terminal error other than not-found (a 403 from a mirror, say) is reported
// ahead of plain not-found answers.
func (c *Chain) Get(ctx context.Context, req Request) (io.ReadCloser, error) {
	if len(c.repos) == 0 {
		return nil, apperrors.NotFound(req.String(), "an empty repository list")
	}

	var retryable, notFound, other error
	for _, r := range c.repos {
		rc, err := r.Get(ctx, req)
		if err == nil {
			return rc, nil
		}
		switch {
		case apperrors.IsTransient(err):
			if retryable == nil {
				retryable = err
			}
		case errors.Is(err, apperrors.ErrNotFound):
			if notFound == nil {
				notFound = err
			}
		default:
			if other == nil {
				other = err
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case retryable != nil:
		return nil, retryable
	case notFound != nil && other == nil:
		return nil, apperrors.NotFound(req.String(), c.Name())
	case other != nil:
		return nil, other
	default:
		return nil, notFound
	}
}

var _ Repository = (*Chain)(nil)
