package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pluginstager/internal/cache"
	"pluginstager/internal/fetch"
	"pluginstager/internal/observability"
	"pluginstager/internal/pipeline"
	"pluginstager/internal/stage"
)

// errArtifactsFailed is returned by run --fail-on-error when any artifact
// did not reach the destination.
var errArtifactsFailed = errors.New("one or more artifacts failed")

type runOptions struct {
	format      string
	failOnError bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch and stage every declared plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "o", formatText, "report format: text, json or yaml")
	cmd.Flags().BoolVar(&opts.failOnError, "fail-on-error", false, "exit non-zero when any artifact fails")
	return cmd
}

func runPipeline(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	if err := checkFormat(opts.format); err != nil {
		return err
	}
	// Configuration is fully validated before any listener or directory is touched.
	cfg, reg, err := loadRegistry(root)
	if err != nil {
		return err
	}
	stageCfg, err := stageConfig(cfg)
	if err != nil {
		return err
	}
	repo, err := buildRepository(cfg)
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		m, handler, err := observability.NewMetrics(ctx)
		if err != nil {
			return err
		}
		shutdown, err := serveMetrics(cfg.MetricsAddr, handler)
		if err != nil {
			return err
		}
		defer shutdown(5 * time.Second)
		metrics = m
	}

	c, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return err
	}

	fetcher := fetch.New(repo, c, fetchConfig(cfg), metrics)
	stager := stage.New(cfg.DestinationDir, stageCfg, metrics)
	p := pipeline.NewWithRegistry(reg, fetcher, stager, pipeline.Config{Concurrency: cfg.Concurrency}, metrics)

	report, runErr := p.Run(ctx)
	if err := renderReport(cmd.OutOrStdout(), report, opts.format); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if opts.failOnError && len(report.Failed) > 0 {
		return fmt.Errorf("%w: %d of %d", errArtifactsFailed, len(report.Failed), report.Total())
	}
	return nil
}

// serveMetrics exposes GET /metrics on addr for the duration of the run.
func serveMetrics(addr string, handler http.Handler) (func(time.Duration), error) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", handler)
	metricsServer := &http.Server{
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	go func() {
		slog.Info("Starting metrics server", "addr", ln.Addr().String())
		if err := metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}, nil
}
