package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-trust-loader/cmd/trustloader/config"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/sources"
	"golang-trust-loader/pkg/logger"
)

func newLoadersCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "loaders",
		Short: "List the loaders a run would execute, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			plan, err := sources.Resolve(cfg.Load.Priority, "", logger.Discard())
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}
}

func printPlan(w io.Writer, plan sources.Plan) error {
	for i, l := range plan.Loaders {
		kind := "query"
		if _, ok := l.Extractor.(loader.FileExtractor); ok {
			kind = "files"
		}
		if _, err := fmt.Fprintf(w, "%d. %-12s %-6s -> %s\n", plan.Registrations[i].Priority+1, l.Name, kind, l.Table); err != nil {
			return err
		}
	}
	for _, name := range plan.Skipped {
		if _, err := fmt.Fprintf(w, "-  %-12s skipped (not in load.priority)\n", name); err != nil {
			return err
		}
	}
	return nil
}
