package commands

import (
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/docker/gguf-my-repo/pkg/cache"
)

func newCacheCmd(opts *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Manage downloaded models",
	}
	c.AddCommand(newCacheListCmd(opts), newCacheRemoveCmd(opts), newCachePruneCmd(opts))
	return c
}

func openCache(opts *globalOptions) (*cache.Cache, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	c := cache.New(opts.logger(), cfg.ModelCacheDir)
	if !c.Enabled() {
		return nil, cache.ErrDisabled
	}
	return c, nil
}

func newCacheListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(opts)
			if err != nil {
				return err
			}
			entries, err := c.List()
			if err != nil {
				return handleError(err, "Failed to list cache")
			}
			cmd.Print(cacheTable(entries, time.Now()))
			return nil
		},
	}
}

func cacheTable(entries []cache.Entry, now time.Time) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := green("complete")
		if !e.Complete {
			status = yellow("partial")
		}
		rows = append(rows, []string{
			e.ModelID,
			humanSize(e.Size),
			status,
			units.HumanDuration(now.Sub(e.ModTime)) + " ago",
		})
	}
	return renderTable([]string{"MODEL", "SIZE", "STATUS", "UPDATED"}, rows)
}

func newCacheRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm MODEL_ID [MODEL_ID...]",
		Aliases: []string{"remove"},
		Short:   "Remove models from the cache",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(opts)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := c.Remove(id); err != nil {
					return handleError(err, "Failed to remove "+id)
				}
				cmd.Println("Removed", id)
			}
			return nil
		},
	}
}

func newCachePruneCmd(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration
	c := &cobra.Command{
		Use:   "prune",
		Short: "Remove models not used for a while",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(opts)
			if err != nil {
				return err
			}
			removed, err := c.Prune(olderThan)
			var freed int64
			for _, e := range removed {
				freed += e.Size
				cmd.Println("Removed", e.ModelID)
			}
			if err != nil {
				return handleError(err, "Failed to prune cache")
			}
			cmd.Printf("Freed %s\n", humanSize(freed))
			return nil
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Remove models cached longer ago than this")
	return c
}
