package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/cache"
	"pluginstager/internal/registry"
	"pluginstager/internal/repository"
	"pluginstager/pkg/backoff"
)

const pluginContent = "PK\x03\x04 findsecbugs"

var fastConfig = Config{
	Attempts:       3,
	Backoff:        backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	RequestTimeout: 2 * time.Second,
}

func testSpec(t *testing.T) registry.ArtifactSpec {
	t.Helper()
	spec, err := registry.NewSpec("com.h3xstream.findsecbugs:findsecbugs-plugin", "1.12.0", registry.Standard)
	require.NoError(t, err)
	return spec
}

func newFetcher(t *testing.T, handler http.HandlerFunc, cfg Config) (*Fetcher, *cache.Cache) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	repo, err := repository.NewHTTP("central", server.URL, repository.HTTPOptions{})
	require.NoError(t, err)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	return New(repo, c, cfg, nil), c
}

func TestFetch_DownloadsThenCaches(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(pluginContent))
	}, fastConfig)
	spec := testSpec(t)

	res := f.Fetch(context.Background(), spec)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusFetched, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, digest.FromString(pluginContent), res.Digest)

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, pluginContent, string(data))

	again := f.Fetch(context.Background(), spec)
	require.NoError(t, again.Err)
	assert.Equal(t, StatusCached, again.Status)
	assert.Equal(t, 0, again.Attempts)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(pluginContent))
	}, fastConfig)

	res := f.Fetch(context.Background(), testSpec(t))
	require.NoError(t, res.Err)
	assert.Equal(t, StatusFetched, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestFetch_TransientExhausted(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, fastConfig)

	res := f.Fetch(context.Background(), testSpec(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperrors.ReasonTransient, res.Reason())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Empty(t, res.LocalPath)
}

func TestFetch_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	cfg := fastConfig
	cfg.Attempts = 2
	cfg.RequestTimeout = 50 * time.Millisecond

	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, cfg)
	defer close(release)

	res := f.Fetch(context.Background(), testSpec(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperrors.ReasonTimeout, res.Reason())
	assert.Equal(t, 2, res.Attempts)
}

func TestFetch_NotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}, fastConfig)

	res := f.Fetch(context.Background(), testSpec(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperrors.ReasonNotFound, res.Reason())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.NotEmpty(t, res.ErrorDetail())
}

func TestFetch_ChecksumMismatchIsTerminal(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	f, c := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("tampered"))
	}, fastConfig)
	spec := testSpec(t)
	spec.Checksum = digest.FromString(pluginContent)

	res := f.Fetch(context.Background(), spec)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperrors.ReasonChecksum, res.Reason())
	assert.Equal(t, int32(1), hits.Load())

	_, ok, err := c.Lookup(CacheKey(spec))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetch_CachedChecksumMismatchRefetches(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	f, c := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(pluginContent))
	}, fastConfig)
	spec := testSpec(t)
	_, err := c.Put(CacheKey(spec), strings.NewReader("older build"), "")
	require.NoError(t, err)
	spec.Checksum = digest.FromString(pluginContent)

	res := f.Fetch(context.Background(), spec)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusFetched, res.Status)
	assert.Equal(t, spec.Checksum, res.Digest)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_CachedEntryVerifiedWithDeclaredAlgorithm(t *testing.T) {
	t.Parallel()
	f, c := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected download")
	}, fastConfig)
	spec := testSpec(t)
	_, err := c.Put(CacheKey(spec), strings.NewReader(pluginContent), "")
	require.NoError(t, err)
	spec.Checksum = digest.SHA512.FromString(pluginContent)

	res := f.Fetch(context.Background(), spec)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusCached, res.Status)
}

// funcRepo adapts a function to repository.Repository.
type funcRepo func(ctx context.Context, req repository.Request) (io.ReadCloser, error)

func (funcRepo) Name() string { return "func" }

func (f funcRepo) Get(ctx context.Context, req repository.Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

func TestFetch_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	repo := funcRepo(func(ctx context.Context, req repository.Request) (io.ReadCloser, error) {
		calls.Add(1)
		return io.NopCloser(strings.NewReader(pluginContent)), nil
	})
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	f := New(repo, c, fastConfig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.Fetch(ctx, testSpec(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperrors.ReasonCancelled, res.Reason())
	assert.Equal(t, int32(0), calls.Load())
}

func TestFetch_InFlightAttemptOutlivesCancellation(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	proceed := make(chan struct{})
	repo := funcRepo(func(ctx context.Context, req repository.Request) (io.ReadCloser, error) {
		close(started)
		<-proceed
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return io.NopCloser(strings.NewReader(pluginContent)), nil
	})
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	f := New(repo, c, fastConfig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() { done <- f.Fetch(ctx, testSpec(t)) }()

	<-started
	cancel()
	close(proceed)

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, StatusFetched, res.Status)
}

func TestFetch_CancelledBetweenAttempts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	repo := funcRepo(func(_ context.Context, req repository.Request) (io.ReadCloser, error) {
		calls.Add(1)
		cancel()
		return nil, apperrors.Transient("get", io.ErrUnexpectedEOF)
	})
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	f := New(repo, c, fastConfig, nil)

	res := f.Fetch(ctx, testSpec(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperrors.ReasonCancelled, res.Reason())
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_FirstRetryWaitsInitialBackoff(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		times []time.Time
	)
	cfg := Config{
		Attempts:       2,
		Backoff:        backoff.Config{Initial: 200 * time.Millisecond, Max: time.Second, Jitter: -1},
		RequestTimeout: 2 * time.Second,
	}
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}, cfg)

	res := f.Fetch(context.Background(), testSpec(t))
	assert.Equal(t, StatusFailed, res.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	gap := times[1].Sub(times[0])
	assert.GreaterOrEqual(t, gap, 200*time.Millisecond)
	assert.Less(t, gap, 380*time.Millisecond, "first retry should wait the initial backoff, not double it")
}

func TestFetch_RetryLogNamesUpcomingAttempt(t *testing.T) {
	t.Parallel()
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, fastConfig)
	var buf bytes.Buffer
	var bufMu sync.Mutex
	f.logger = slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &bufMu}, nil))

	res := f.Fetch(context.Background(), testSpec(t))
	assert.Equal(t, 3, res.Attempts)

	var attempts []float64
	bufMu.Lock()
	defer bufMu.Unlock()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "Retrying fetch" {
			attempts = append(attempts, rec["attempt"].(float64))
		}
	}
	assert.Equal(t, []float64{2, 3}, attempts)
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type recordingMetrics struct {
	started, finished, retries atomic.Int32
}

func (m *recordingMetrics) RecordFetchStarted(context.Context, string) { m.started.Add(1) }
func (m *recordingMetrics) RecordFetch(context.Context, string, string, float64) {
	m.finished.Add(1)
}
func (m *recordingMetrics) RecordFetchRetry(context.Context, string) { m.retries.Add(1) }

func TestFetch_RecordsMetrics(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(pluginContent))
	}))
	defer server.Close()

	repo, err := repository.NewHTTP("central", server.URL, repository.HTTPOptions{})
	require.NoError(t, err)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	metrics := &recordingMetrics{}
	f := New(repo, c, fastConfig, metrics)

	res := f.Fetch(context.Background(), testSpec(t))
	require.NoError(t, res.Err)
	assert.Equal(t, int32(1), metrics.started.Load())
	assert.Equal(t, int32(1), metrics.finished.Load())
	assert.Equal(t, int32(1), metrics.retries.Load())
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultAttempts, cfg.Attempts)
	assert.Equal(t, defaultInitialBackoff, cfg.Backoff.Initial)
	assert.Equal(t, defaultMaxBackoff, cfg.Backoff.Max)
	assert.Equal(t, defaultJitter, cfg.Backoff.Jitter)
	assert.Equal(t, defaultRequestTimeout, cfg.RequestTimeout)

	custom := Config{Attempts: 5, Backoff: backoff.Config{Jitter: -1}}.withDefaults()
	assert.Equal(t, 5, custom.Attempts)
	assert.Zero(t, custom.Backoff.Jitter)
}
