// plugin-stager fetches third-party analyzer plugins and stages them into
// the plugin directory before the analyzer starts.
package main

import (
	"context"
	"log/slog"
	"os"

	"pluginstager/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := cli.NewRootCommand(version).ExecuteContext(context.Background()); err != nil {
		slog.Error("plugin-stager failed", "error", err)
		os.Exit(1)
	}
}
