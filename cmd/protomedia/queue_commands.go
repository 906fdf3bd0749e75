package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"protomedia/internal/jobqueue"
	"protomedia/internal/logging"
)

var knownQueues = []string{jobqueue.QueueImageFinishing, jobqueue.QueueDocumentRendering}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the background job queues",
	}
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	return queueCmd
}

func openBroker(ctx *commandContext) (*jobqueue.Broker, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	return jobqueue.OpenBroker(cfg, logging.NewNop())
}

func resolveQueues(args []string) ([]string, error) {
	if len(args) == 0 {
		return knownQueues, nil
	}
	var queues []string
	for _, arg := range args {
		name := strings.TrimSpace(arg)
		switch name {
		case jobqueue.QueueImageFinishing, jobqueue.QueueDocumentRendering:
			queues = append(queues, name)
		default:
			return nil, fmt.Errorf("unknown queue %q (known: %s)", name, strings.Join(knownQueues, ", "))
		}
	}
	return queues, nil
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [queue...]",
		Short: "Show per-queue job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := resolveQueues(args)
			if err != nil {
				return err
			}
			broker, err := openBroker(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			rows := make([][]string, 0, len(queues))
			for _, queue := range queues {
				stats, err := broker.Stats(cmd.Context(), queue)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					queue,
					strconv.Itoa(stats.Waiting),
					strconv.Itoa(stats.Active),
					strconv.Itoa(stats.Completed),
					strconv.Itoa(stats.Failed),
					strconv.Itoa(stats.Dead),
				})
			}

			headers := []string{"Queue", "Waiting", "Active", "Completed", "Failed", "Dead"}
			aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check job broker availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := openBroker(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			out := cmd.OutOrStdout()
			if err := broker.Ping(cmd.Context()); err != nil {
				fmt.Fprintln(out, statusText(out, "broker: unavailable", text.FgRed))
				return err
			}
			fmt.Fprintln(out, statusText(out, "broker: ok", text.FgGreen))
			return nil
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [queue...]",
		Short: "Requeue failed and dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := resolveQueues(args)
			if err != nil {
				return err
			}
			broker, err := openBroker(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			var total int64
			for _, queue := range queues {
				requeued, err := broker.RequeueTerminal(cmd.Context(), queue)
				if err != nil {
					return err
				}
				total += requeued
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", total)
			return nil
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [queue...]",
		Short: "Remove completed, failed, and dead job history",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := resolveQueues(args)
			if err != nil {
				return err
			}
			broker, err := openBroker(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			var total int64
			for _, queue := range queues {
				cleared, err := broker.ClearHistory(cmd.Context(), queue)
				if err != nil {
					return err
				}
				total += cleared
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d job(s)\n", total)
			return nil
		},
	}
}

func statusText(out io.Writer, message string, color text.Color) string {
	if shouldColorize(out) {
		return color.Sprint(message)
	}
	return message
}
