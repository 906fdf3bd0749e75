package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"protomedia/internal/draft"
	"protomedia/internal/logging"
)

func newDraftsCommand(ctx *commandContext) *cobra.Command {
	draftsCmd := &cobra.Command{
		Use:   "drafts",
		Short: "Inspect and manage protocol capture drafts",
	}
	draftsCmd.AddCommand(newDraftsListCommand(ctx))
	draftsCmd.AddCommand(newDraftsDiscardCommand(ctx))
	return draftsCmd
}

func openDrafts(ctx *commandContext) (*draft.Store, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	return draft.Open(cfg, logging.NewNop())
}

func newDraftsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List incomplete capture drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDrafts(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			drafts, err := store.ListRecoverable(cmd.Context())
			if err != nil {
				return err
			}
			if len(drafts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recoverable drafts")
				return nil
			}

			rows := make([][]string, 0, len(drafts))
			for _, d := range drafts {
				rows = append(rows, []string{
					d.ProtocolID,
					fmt.Sprintf("%d/%d", d.UploadedCount, d.TotalCount),
					strconv.Itoa(len(d.Items)),
					d.LastModifiedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			headers := []string{"Protocol", "Uploaded", "Items", "Last Modified"}
			aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignLeft}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func newDraftsDiscardCommand(ctx *commandContext) *cobra.Command {
	var purgeJobs bool

	cmd := &cobra.Command{
		Use:   "discard <protocol-id>",
		Short: "Dispose of a draft and its local renditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			protocolID := strings.TrimSpace(args[0])
			if protocolID == "" {
				return fmt.Errorf("protocol id is required")
			}

			store, err := openDrafts(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Discard(cmd.Context(), protocolID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded draft %s\n", protocolID)

			if purgeJobs {
				broker, err := openBroker(ctx)
				if err != nil {
					return err
				}
				defer broker.Close()
				removed, err := broker.DeleteByProtocol(cmd.Context(), protocolID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d waiting job(s)\n", removed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purgeJobs, "purge-jobs", false, "Also remove waiting jobs referencing the protocol")
	return cmd
}
