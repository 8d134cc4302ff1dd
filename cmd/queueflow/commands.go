package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/xeonx/timeago"
	"gopkg.in/yaml.v3"

	"github.com/goatkit/queueflow/internal/changesignal"
	"github.com/goatkit/queueflow/internal/config"
	"github.com/goatkit/queueflow/internal/models"
	"github.com/goatkit/queueflow/internal/service"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQL tables or Mongo indexes for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			b, err := openBackends(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			defer b.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "store %s is ready\n", cfg.Store.Driver)
			return nil
		},
	}
}

type registerOptions struct {
	code       string
	name       string
	department string
}

func newRegisterCmd(root *rootOptions) *cobra.Command {
	opts := &registerOptions{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Add a waiting ticket to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			queue, b, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			ticket, err := queue.Register(cmd.Context(), service.RegisterInput{
				ExternalCode: opts.code,
				Name:         opts.name,
				Category:     opts.department,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as ticket %s (%d min)\n",
				ticket.ExternalCode, ticket.ID, ticket.ServiceMinutes())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.code, "code", "", "booking id presented at the desk")
	cmd.Flags().StringVar(&opts.name, "name", "", "customer name")
	cmd.Flags().StringVar(&opts.department, "department", "General", "department, selects the service time")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			queue, b, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			stats, err := queue.ComputeStats(cmd.Context())
			if err != nil {
				return err
			}
			if output != "table" {
				return encodeStatus(cmd.OutOrStdout(), output, stats)
			}

			var startedAt *time.Time
			if stats.InProgress != nil {
				if current, err := b.tickets.FindByID(cmd.Context(), stats.InProgress.ID); err == nil {
					startedAt = current.StartedAt
				}
			}
			return renderStatus(cmd.OutOrStdout(), stats, startedAt, time.Now())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

// openQueue wires a queue engine over the configured backends.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.QueueService, *backends, error) {
	b, err := openBackends(ctx, cfg, logger, false)
	if err != nil {
		return nil, nil, err
	}
	sig := changesignal.New(b.markers, changesignal.WithLogger(logger))
	return service.NewQueueService(b.tickets, sig, service.WithLogger(logger)), b, nil
}

func encodeStatus(w io.Writer, format string, stats models.AggregateStats) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(stats); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

// renderStatus prints stats as an aligned table.
func renderStatus(w io.Writer, stats models.AggregateStats, startedAt *time.Time, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "waiting:\t%d\n", stats.QueueLength)
	fmt.Fprintf(tw, "estimated wait:\t%d min\n", stats.EstimatedWaitMinutes)
	fmt.Fprintf(tw, "completed today:\t%d\n", stats.CompletedToday)
	if stats.LatestUpdate.After(time.Unix(0, 0)) {
		fmt.Fprintf(tw, "last change:\t%s\n", timeago.English.FormatReference(stats.LatestUpdate, now))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "POS\tBOOKING\tNAME\tDEPARTMENT\tSINCE")
	if cur := stats.InProgress; cur != nil {
		since := "-"
		if startedAt != nil {
			since = timeago.English.FormatReference(*startedAt, now)
		}
		fmt.Fprintf(tw, "now\t%s\t%s\t%s\t%s\n", cur.BookingID, cur.Name, cur.Department, since)
	}
	for _, entry := range stats.Waiting {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t-\n", entry.Sno, entry.BookingID, entry.Name, entry.Department)
	}
	if stats.InProgress == nil && len(stats.Waiting) == 0 {
		fmt.Fprintln(tw, "-\t(queue empty)\t\t\t")
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}
