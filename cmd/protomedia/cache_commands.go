package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"protomedia/internal/logging"
	"protomedia/internal/statuscache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the protocol status cache",
	}
	cacheCmd.AddCommand(newCacheStatusCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))
	return cacheCmd
}

func openCache(ctx *commandContext) (*statuscache.Cache, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.StatusCache.TTLSeconds) * time.Second
	return statuscache.New(cfg.StatusCachePath(), ttl, logging.NewNop()), nil
}

func newCacheStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cached protocol status freshness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			entries, ok := cache.Get(time.Now())
			if !ok {
				fmt.Fprintln(out, "Cache: stale or empty")
				return nil
			}
			fmt.Fprintf(out, "Cache: fresh, %d rental(s)\n", len(entries))

			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.RentalID,
					yesNo(entry.HasHandoverProtocol),
					yesNo(entry.HasReturnProtocol),
				})
			}
			headers := []string{"Rental", "Handover", "Return"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft}
			fmt.Fprintln(out, renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Invalidate the protocol status cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(ctx)
			if err != nil {
				return err
			}
			if err := cache.Invalidate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache invalidated")
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
