package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pluginstager/internal/stage"
)

var errDrift = errors.New("plugin directory does not match configuration")

func newVerifyCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the plugin directory against the configuration without writing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, reg, err := loadRegistry(root)
			if err != nil {
				return err
			}
			drift, err := stage.Diff(cfg.DestinationDir, reg.Specs())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, path := range drift.Missing {
				fmt.Fprintf(out, "missing     %s\n", path)
			}
			for _, path := range drift.Unexpected {
				fmt.Fprintf(out, "unexpected  %s\n", path)
			}
			if !drift.Clean() {
				return fmt.Errorf("%w: %d missing, %d unexpected", errDrift, len(drift.Missing), len(drift.Unexpected))
			}
			fmt.Fprintf(out, "%s matches %d declared artifacts\n", cfg.DestinationDir, reg.Len())
			return nil
		},
	}
}
