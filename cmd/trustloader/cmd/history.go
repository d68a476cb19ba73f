package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-trust-loader/cmd/trustloader/config"
	"golang-trust-loader/internal/jobhistory"
	"golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and seed the job history scheduled runs resume from",
	}
	cmd.AddCommand(newHistorySeedCmd(v), newHistoryListCmd(v))
	return cmd
}

func newHistorySeedCmd(v *viper.Viper) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Record a window as successfully processed",
		Long: `Seed records a successful execution for the window so the next run without
--start/--end continues right after it. Use it to bootstrap a new store or
to skip ahead after a manual reload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			return withHistory(cmd.Context(), v, func(h jobhistory.History) error {
				exec, err := jobhistory.Seed(cmd.Context(), h, w)
				if err != nil {
					return errors.StoreError(errors.CodeConnectionFailed, "seed job history", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s as successful (execution %s)\n", exec.Window, exec.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "window end date, exclusive (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newHistoryListCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return errors.ConfigurationError(errors.CodeInvalidConfig, "limit", limit, nil)
			}
			return withHistory(cmd.Context(), v, func(h jobhistory.History) error {
				lister, ok := h.(jobhistory.Lister)
				if !ok {
					return errors.ConfigurationError(errors.CodeInvalidConfig, "history.backend", fmt.Sprintf("%T", h), fmt.Errorf("history backend cannot list executions"))
				}
				execs, err := lister.Recent(cmd.Context(), limit)
				if err != nil {
					return errors.StoreError(errors.CodeConnectionFailed, "list job history", err)
				}
				return printExecutions(cmd.OutOrStdout(), execs)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of executions to show")
	return cmd
}

func withHistory(ctx context.Context, v *viper.Viper, fn func(jobhistory.History) error) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Close(log)

	h, closeHistory, err := config.OpenHistory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeHistory(); err != nil {
			log.WithError(err).Warn("Closing job history failed")
		}
	}()
	return fn(h)
}

func printExecutions(w io.Writer, execs []jobhistory.Execution) error {
	if len(execs) == 0 {
		_, err := fmt.Fprintln(w, "No executions recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWINDOW\tSTATUS\tSTARTED\tFINISHED")
	for _, e := range execs {
		finished := "-"
		if !e.FinishedAt.IsZero() {
			finished = e.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Window, e.Status, e.StartedAt.Format("2006-01-02 15:04:05"), finished)
	}
	return tw.Flush()
}
