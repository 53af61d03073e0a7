package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// planEntry is one resolved artifact as printed by plan.
type planEntry struct {
	Coordinate       string `json:"coordinate" yaml:"coordinate"`
	Version          string `json:"version" yaml:"version"`
	DestinationClass string `json:"destinationClass" yaml:"destinationClass"`
	Extension        string `json:"extension" yaml:"extension"`
	Checksum         string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Path             string `json:"path" yaml:"path"`
}

func newPlanCommand(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved artifact list without fetching anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != formatJSON && format != formatYAML {
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
			_, reg, err := loadRegistry(root)
			if err != nil {
				return err
			}
			entries := make([]planEntry, 0, reg.Len())
			for _, spec := range reg.Specs() {
				entries = append(entries, planEntry{
					Coordinate:       spec.Coordinate.String(),
					Version:          spec.Version,
					DestinationClass: string(spec.Class),
					Extension:        spec.Extension,
					Checksum:         spec.Checksum.String(),
					Path:             spec.RelPath(),
				})
			}
			return encode(cmd.OutOrStdout(), entries, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", formatYAML, "output format: json or yaml")
	return cmd
}
