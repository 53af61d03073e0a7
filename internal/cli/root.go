// Package cli implements the plugin-stager command line.
package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"pluginstager/internal/config"
)

// rootOptions are the global flags.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "plugin-stager",
		Short: "Resolve, fetch and stage third-party analyzer plugins",
		Long: `plugin-stager resolves declared analyzer plugin artifacts, downloads them
from Maven-layout repositories into a verified local cache, and stages them
into the plugin directory the analyzer scans at startup.

Re-running against an unchanged configuration leaves the plugin directory
untouched.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.GetEnv("STAGER_CONFIG", ""),
		"config file (default: ./plugin-stager.{yaml,toml,json})")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", config.GetEnv("STAGER_LOG_LEVEL", "info"),
		"log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newPlanCommand(opts),
		newVerifyCommand(opts),
		newCacheCommand(opts),
	)
	return rootCmd
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
