package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pluginstager/internal/cache"
	"pluginstager/internal/fetch"
)

func newCacheCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local artifact cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Remove cached artifacts the configuration no longer declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, reg, err := loadRegistry(root)
			if err != nil {
				return err
			}
			declared := make(map[cache.Key]bool, reg.Len())
			for _, spec := range reg.Specs() {
				declared[fetch.CacheKey(spec)] = true
			}

			c, err := cache.Open(cfg.CacheDir)
			if err != nil {
				return err
			}
			removed, err := c.Prune(func(k cache.Key) bool { return declared[k] })
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range removed {
				fmt.Fprintf(out, "removed %s\n", k)
			}
			fmt.Fprintf(out, "%d cache entries removed\n", len(removed))
			return nil
		},
	})
	return cmd
}
