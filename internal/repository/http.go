package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pluginstager/internal/apperrors"
)

// MavenCentral is the default remote repository.
const MavenCentral = "https://repo.maven.apache.org/maven2"

// HTTPOptions configures an HTTP repository. Zero values use defaults.
type HTTPOptions struct {
	Client            *http.Client
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int     // default: 1
	Breaker           BreakerConfig
	UserAgent         string
	Token             string // sent as a bearer token when set
}

// HTTP is a remote Maven-layout repository.
type HTTP struct {
	name      string
	base      string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *breaker
	userAgent string
	token     string
	logger    *slog.Logger
}

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// NewHTTP creates an HTTP repository rooted at baseURL.
func NewHTTP(name, baseURL string, opts HTTPOptions) (*HTTP, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, apperrors.Config("repositories."+name+".url", fmt.Sprintf("repository %s: malformed URL", name))
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, apperrors.Config("repositories."+name+".url", fmt.Sprintf("repository %s: URL scheme must be http or https, got %q", name, parsed.Scheme))
	}
	if parsed.Host == "" {
		return nil, apperrors.Config("repositories."+name+".url", fmt.Sprintf("repository %s: URL must have a host", name))
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "plugin-stager"
	}

	return &HTTP{
		name:      name,
		base:      strings.TrimRight(baseURL, "/"),
		client:    client,
		limiter:   limiter,
		breaker:   newBreaker(opts.Breaker),
		userAgent: userAgent,
		token:     opts.Token,
		logger:    slog.With("component", "repository", "repository", name),
	}, nil
}

func (r *HTTP) Name() string { return r.name }

// Get downloads the artifact. The returned body is bound to ctx.
func (r *HTTP) Get(ctx context.Context, req Request) (io.ReadCloser, error) {
	op := "repository." + r.name + ".get"

	if !r.breaker.Allow() {
		return nil, apperrors.Transient(op, errBreakerOpen)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.breaker.Release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, classifyTransport(op, ctxErr)
			}
			return nil, apperrors.Timeout(op, err)
		}
	}

	target := r.base + "/" + req.Path()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		r.breaker.Release()
		return nil, apperrors.Terminal(op, err)
	}
	httpReq.Header.Set("User-Agent", r.userAgent)
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			r.breaker.Release()
		} else {
			r.breaker.RecordFailure()
		}
		return nil, classifyTransport(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		r.breaker.RecordSuccess()
		return resp.Body, nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		r.breaker.RecordSuccess()
		return nil, apperrors.NotFound(req.String(), r.name)

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		resp.Body.Close()
		r.breaker.RecordFailure()
		r.logger.Debug("Repository returned retryable status", "status", resp.StatusCode, "artifact", req.String())
		return nil, apperrors.Transient(op, &StatusError{StatusCode: resp.StatusCode, URL: target})

	default:
		resp.Body.Close()
		r.breaker.RecordSuccess()
		return nil, apperrors.Terminal(op, &StatusError{StatusCode: resp.StatusCode, URL: target})
	}
}

// classifyTransport maps client errors to timeout or transient failures.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Timeout(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Timeout(op, err)
	}
	return apperrors.Transient(op, err)
}

var _ Repository = (*HTTP)(nil)
